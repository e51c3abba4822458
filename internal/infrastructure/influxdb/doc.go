// Package influxdb records device telemetry in InfluxDB.
//
// Numeric capability values (temperature, humidity, battery) and
// availability transitions are written as points tagged with site, device
// and capability. Writes are non-blocking and batched; failures arrive
// through SetOnError.
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry switched off
//	}
//	client.WriteDeviceMetric("humidifier-bedroom", "measure_humidity", 41)
package influxdb
