// Package server exposes the scan engine and the raw memory access of one
// attached process over a JSON HTTP API. The same endpoints back the
// process_remote client, so a memscan instance can scan a target on
// another machine.
package server

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"memscan/process"
	"memscan/scan"
)

// Handler holds the HTTP handlers for one attached target
type Handler struct {
	backend process.Backend
	engine  *scan.Engine
	log     *logger.Logger
}

// New creates a Handler serving backend through engine
func New(backend process.Backend, engine *scan.Engine) *Handler {
	return &Handler{
		backend: backend,
		engine:  engine,
		log:     logger.NewLogger(coloransi.Color(coloransi.ColorTeal, coloransi.ColorOrange, "api")),
	}
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Scan engine
	mux.HandleFunc("POST /api/scan", h.StartScan)
	mux.HandleFunc("GET /api/scan/progress", h.ScanProgress)
	mux.HandleFunc("DELETE /api/scan", h.ClearScan)
	mux.HandleFunc("POST /api/filter", h.StartFilter)
	mux.HandleFunc("GET /api/filter/progress", h.FilterProgress)
	mux.HandleFunc("GET /api/results", h.Results)

	// Raw process access, consumed by process_remote
	mux.HandleFunc("GET /api/pid", h.PID)
	mux.HandleFunc("GET /api/memory", h.ReadMemory)
	mux.HandleFunc("POST /api/memory", h.WriteMemory)
	mux.HandleFunc("POST /api/suspend", h.Suspend)
	mux.HandleFunc("POST /api/resume", h.Resume)
	mux.HandleFunc("GET /api/regions", h.Regions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps engine sentinel errors onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scan.ErrScanNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scan.ErrInvalidPattern):
		status = http.StatusBadRequest
	case errors.Is(err, scan.ErrPassInProgress):
		status = http.StatusConflict
	case errors.Is(err, scan.ErrNotAttached):
		status = http.StatusServiceUnavailable
	case errors.Is(err, process.ErrAddressNotMapped), errors.Is(err, process.ErrReadFailed):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// parseAddr accepts addresses as decimal or 0x-prefixed hex
func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

type addressRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type startScanRequest struct {
	ScanID        string         `json:"scan_id"`
	AddressRanges []addressRange `json:"address_ranges"`
	DataType      string         `json:"data_type"`
	FindType      string         `json:"find_type"`
	Pattern       string         `json:"pattern"`
	PatternMax    string         `json:"pattern_max"`
	Mask          string         `json:"mask"`
	Alignment     int            `json:"alignment"`
	DoSuspend     bool           `json:"do_suspend"`
	KeepSuspended bool           `json:"keep_suspended"`
}

// StartScan handles POST /api/scan
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ranges := make([]scan.AddressRange, 0, len(req.AddressRanges))
	for _, ar := range req.AddressRanges {
		start, err1 := parseAddr(ar.Start)
		end, err2 := parseAddr(ar.End)
		if err1 != nil || err2 != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad address range"})
			return
		}
		ranges = append(ranges, scan.AddressRange{Start: start, End: end})
	}

	// No explicit ranges: scan every readable writable region
	if len(ranges) == 0 {
		items, err := h.backend.GetMemoryMap()
		if err != nil {
			writeError(w, err)
			return
		}
		for _, item := range items {
			if item.IsReadable() && item.IsWritable() {
				ranges = append(ranges, scan.AddressRange{Start: item.Address, End: item.End()})
			}
		}
	}

	err := h.engine.StartScan(scan.ScanOptions{
		ScanID:        req.ScanID,
		Ranges:        ranges,
		DataType:      scan.DataType(req.DataType),
		FindType:      scan.FindType(req.FindType),
		Pattern:       req.Pattern,
		PatternMax:    req.PatternMax,
		Mask:          req.Mask,
		Alignment:     req.Alignment,
		DoSuspend:     req.DoSuspend,
		KeepSuspended: req.KeepSuspended,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type scanProgressResponse struct {
	Percent        float64 `json:"percent"`
	ProcessedBytes uint64  `json:"processed_bytes"`
	TotalBytes     uint64  `json:"total_bytes"`
	IsScanning     bool    `json:"is_scanning"`
	Phase          string  `json:"phase"`
}

// ScanProgress handles GET /api/scan/progress?scan_id=
func (h *Handler) ScanProgress(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("scan_id")
	p, ok := h.engine.Registry().Progress.Snapshot(id)
	if !ok {
		writeError(w, scan.ErrScanNotFound)
		return
	}
	writeJSON(w, http.StatusOK, scanProgressResponse{
		Percent:        p.Percent,
		ProcessedBytes: p.Processed,
		TotalBytes:     p.Total,
		IsScanning:     p.Running,
		Phase:          p.Phase,
	})
}

type startFilterRequest struct {
	ScanID        string `json:"scan_id"`
	FilterMethod  string `json:"filter_method"`
	DataType      string `json:"data_type"`
	Pattern       string `json:"pattern"`
	PatternMax    string `json:"pattern_max"`
	DoSuspend     bool   `json:"do_suspend"`
	KeepSuspended bool   `json:"keep_suspended"`
}

// StartFilter handles POST /api/filter
func (h *Handler) StartFilter(w http.ResponseWriter, r *http.Request) {
	var req startFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	filterID, err := h.engine.StartFilter(scan.FilterOptions{
		ScanID:        req.ScanID,
		Method:        scan.FilterMethod(req.FilterMethod),
		DataType:      scan.DataType(req.DataType),
		Pattern:       req.Pattern,
		PatternMax:    req.PatternMax,
		DoSuspend:     req.DoSuspend,
		KeepSuspended: req.KeepSuspended,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"filter_id": filterID})
}

type filterProgressResponse struct {
	Percent          float64 `json:"percent"`
	ProcessedResults uint64  `json:"processed_results"`
	TotalResults     uint64  `json:"total_results"`
	IsFiltering      bool    `json:"is_filtering"`
	Phase            string  `json:"phase"`
}

// FilterProgress handles GET /api/filter/progress?filter_id=
func (h *Handler) FilterProgress(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("filter_id")
	p, ok := h.engine.Registry().Progress.Snapshot(id)
	if !ok {
		writeError(w, scan.ErrScanNotFound)
		return
	}
	writeJSON(w, http.StatusOK, filterProgressResponse{
		Percent:          p.Percent,
		ProcessedResults: p.Processed,
		TotalResults:     p.Total,
		IsFiltering:      p.Running,
		Phase:            p.Phase,
	})
}

type resultEntry struct {
	Address  string `json:"address"`
	ValueHex string `json:"value_hex"`
}

type resultsResponse struct {
	Results    []resultEntry `json:"results"`
	TotalCount uint64        `json:"total_count"`
}

// Results handles GET /api/results?scan_id=&offset=&limit=
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("scan_id")
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	page, total, lookupErr := h.engine.Registry().LookupResults(id, offset, limit)
	if lookupErr != nil {
		writeError(w, lookupErr)
		return
	}

	entries := make([]resultEntry, len(page))
	for i, c := range page {
		entries[i] = resultEntry{
			Address:  process.ProcessMemoryAddress(c.Address).ToString(),
			ValueHex: hex.EncodeToString(c.Value),
		}
	}
	writeJSON(w, http.StatusOK, resultsResponse{Results: entries, TotalCount: total})
}

// ClearScan handles DELETE /api/scan?scan_id=
func (h *Handler) ClearScan(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("scan_id")
	if err := h.engine.Registry().Clear(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// PID handles GET /api/pid
func (h *Handler) PID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"pid": int(h.backend.GetPID())})
}

type memoryResponse struct {
	Address string `json:"address"`
	Data    string `json:"data"` // base64
}

// ReadMemory handles GET /api/memory?addr=&size=
func (h *Handler) ReadMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	addr, err := parseAddr(q.Get("addr"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad addr"})
		return
	}
	size, err := strconv.ParseUint(q.Get("size"), 0, 64)
	if err != nil || size == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad size"})
		return
	}

	data, err := h.backend.ReadMemory(process.ProcessMemoryAddress(addr), process.ProcessMemorySize(size))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, memoryResponse{
		Address: process.ProcessMemoryAddress(addr).ToString(),
		Data:    base64.StdEncoding.EncodeToString(data),
	})
}

type writeMemoryRequest struct {
	Address string `json:"address"`
	Data    string `json:"data"` // base64
}

// WriteMemory handles POST /api/memory
func (h *Handler) WriteMemory(w http.ResponseWriter, r *http.Request) {
	var req writeMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	addr, err := parseAddr(req.Address)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad address"})
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad data"})
		return
	}

	if err := h.backend.WriteMemory(process.ProcessMemoryAddress(addr), data); err != nil {
		writeError(w, err)
		return
	}
	h.log.Infoln("Wrote", len(data), "bytes at", process.ProcessMemoryAddress(addr).ToString())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Suspend handles POST /api/suspend
func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Suspend(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Resume handles POST /api/resume
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Resume(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type regionEntry struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Perms string `json:"perms"`
	Path  string `json:"path"`
}

// Regions handles GET /api/regions
func (h *Handler) Regions(w http.ResponseWriter, r *http.Request) {
	items, err := h.backend.GetMemoryMap()
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]regionEntry, len(items))
	for i, item := range items {
		entries[i] = regionEntry{
			Start: process.ProcessMemoryAddress(item.Address).ToString(),
			End:   process.ProcessMemoryAddress(item.End()).ToString(),
			Perms: item.Perms,
			Path:  item.Path,
		}
	}
	writeJSON(w, http.StatusOK, map[string][]regionEntry{"regions": entries})
}
