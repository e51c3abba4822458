package api

import (
	"net/http"
	"runtime"
	"time"
)

// StatusResponse is the runtime status of the bridge process.
type StatusResponse struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	MQTT          ConnectionState `json:"mqtt"`
	InfluxDB      ConnectionState `json:"influxdb"`
	Devices       DeviceMetrics   `json:"devices"`
	Database      DatabaseMetrics `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// ConnectionState reports an optional connection.
type ConnectionState struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// DeviceMetrics counts devices by kind and supervisor state.
type DeviceMetrics struct {
	Total     int            `json:"total"`
	Available int            `json:"available"`
	ByKind    map[string]int `json:"by_kind"`
	ByState   map[string]int `json:"by_state"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleStatus returns process and connection statistics.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := StatusResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		MQTT:     connectionState(s.mqtt),
		InfluxDB: connectionState(s.influx),
		Devices: DeviceMetrics{
			ByKind:  make(map[string]int),
			ByState: make(map[string]int),
		},
	}

	for _, dev := range s.bridge.Devices() {
		resp.Devices.Total++
		if dev.Available {
			resp.Devices.Available++
		}
		resp.Devices.ByKind[dev.Kind]++
		if dev.State != "" {
			resp.Devices.ByState[dev.State]++
		}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		resp.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func connectionState(c ConnectionChecker) ConnectionState {
	if c == nil {
		return ConnectionState{}
	}
	return ConnectionState{Enabled: true, Connected: c.IsConnected()}
}
