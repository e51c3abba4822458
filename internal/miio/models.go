package miio

import (
	"fmt"
	"sort"
)

// Kind groups models by the commands they understand.
type Kind string

// Device kinds.
const (
	KindHumidifier Kind = "humidifier"
	KindVacuum     Kind = "vacuum"
	KindGateway    Kind = "gateway"
)

// kinds lists the supported models that are not humidifiers.
var kinds = map[string]Kind{
	"rockrobo.vacuum.v1":  KindVacuum,
	"roborock.vacuum.s5":  KindVacuum,
	"roborock.vacuum.s6":  KindVacuum,
	"roborock.vacuum.a15": KindVacuum,
	"lumi.gateway.v3":     KindGateway,
	"lumi.gateway.mieu01": KindGateway,
	"lumi.acpartner.v3":   KindGateway,
}

// KindOf returns the kind of a supported model.
func KindOf(model string) (Kind, error) {
	if _, ok := profiles[model]; ok {
		return KindHumidifier, nil
	}
	if k, ok := kinds[model]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
}

// Models lists every supported model, sorted.
func Models() []string {
	out := make([]string, 0, len(profiles)+len(kinds))
	for m := range profiles {
		out = append(out, m)
	}
	for m := range kinds {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
