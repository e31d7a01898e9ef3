package server

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscan/process/proctest"
	"memscan/scan"
)

const testBase = uint64(0x10000000)

func newTestServer(t *testing.T, mem []byte) (*httptest.Server, *proctest.FakeBackend, *scan.Engine) {
	t.Helper()
	fb := proctest.New(testBase, mem)
	reg := scan.NewRegistry(t.TempDir())
	engine := scan.NewEngine(fb, reg, scan.ReaderConfig{ChunkSize: 4096, SubRegionSize: 64 << 10, Workers: 2})

	mux := http.NewServeMux()
	New(fb, engine).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, fb, engine
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func waitScanDone(t *testing.T, srv *httptest.Server, path string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		var p struct {
			IsScanning  bool `json:"is_scanning"`
			IsFiltering bool `json:"is_filtering"`
		}
		decodeBody(t, resp, &p)
		if !p.IsScanning && !p.IsFiltering {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pass at %s did not finish", path)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestScanFilterLookupOverHTTP(t *testing.T) {
	mem := make([]byte, 8<<10)
	binary.LittleEndian.PutUint32(mem[0x100:], 10)
	binary.LittleEndian.PutUint32(mem[0x200:], 10)

	srv, fb, _ := newTestServer(t, mem)

	resp := postJSON(t, srv.URL+"/api/scan", map[string]any{
		"scan_id": "hp",
		"address_ranges": []map[string]string{
			{"start": fmt.Sprintf("0x%X", testBase), "end": fmt.Sprintf("0x%X", testBase+8<<10)},
		},
		"data_type": "uint32",
		"find_type": "exact",
		"pattern":   "0a000000",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	waitScanDone(t, srv, "/api/scan/progress?scan_id=hp")

	// One value moves, then a narrowing pass keeps only it
	fb.Poke(testBase+0x100, []byte{20, 0, 0, 0})

	resp = postJSON(t, srv.URL+"/api/filter", map[string]any{
		"scan_id":       "hp",
		"filter_method": "increased",
		"data_type":     "uint32",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var filterResp struct {
		FilterID string `json:"filter_id"`
	}
	decodeBody(t, resp, &filterResp)
	require.NotEmpty(t, filterResp.FilterID)

	waitScanDone(t, srv, "/api/filter/progress?filter_id="+filterResp.FilterID)

	resp, err := http.Get(srv.URL + "/api/results?scan_id=hp&offset=0&limit=10")
	require.NoError(t, err)
	var results struct {
		Results []struct {
			Address  string `json:"address"`
			ValueHex string `json:"value_hex"`
		} `json:"results"`
		TotalCount uint64 `json:"total_count"`
	}
	decodeBody(t, resp, &results)

	require.Equal(t, uint64(1), results.TotalCount)
	assert.Equal(t, fmt.Sprintf("0x%X", testBase+0x100), results.Results[0].Address)
	assert.Equal(t, "14000000", results.Results[0].ValueHex)
}

func TestScanDefaultsToWritableRegions(t *testing.T) {
	mem := make([]byte, 4096)
	mem[42] = 0x99

	srv, _, _ := newTestServer(t, mem)

	// No address_ranges: the fake backend's single rw region is used
	resp := postJSON(t, srv.URL+"/api/scan", map[string]any{
		"scan_id":   "s1",
		"data_type": "uint8",
		"find_type": "exact",
		"pattern":   "99",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	waitScanDone(t, srv, "/api/scan/progress?scan_id=s1")

	resp, err := http.Get(srv.URL + "/api/results?scan_id=s1&offset=0&limit=10")
	require.NoError(t, err)
	var results struct {
		TotalCount uint64 `json:"total_count"`
	}
	decodeBody(t, resp, &results)
	assert.Equal(t, uint64(1), results.TotalCount)
}

func TestErrorStatusCodes(t *testing.T) {
	srv, _, _ := newTestServer(t, make([]byte, 64))

	// Unknown scan id
	resp, err := http.Get(srv.URL + "/api/results?scan_id=missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/scan/progress?scan_id=missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Bad pattern
	resp = postJSON(t, srv.URL+"/api/scan", map[string]any{
		"scan_id":        "s1",
		"address_ranges": []map[string]string{{"start": "0x10000000", "end": "0x10000040"}},
		"data_type":      "uint32",
		"find_type":      "exact",
		"pattern":        "zz",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Filter against a scan that was never started
	resp = postJSON(t, srv.URL+"/api/filter", map[string]any{
		"scan_id":       "missing",
		"filter_method": "changed",
		"data_type":     "uint32",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestClearScanOverHTTP(t *testing.T) {
	mem := make([]byte, 4096)
	srv, _, _ := newTestServer(t, mem)

	resp := postJSON(t, srv.URL+"/api/scan", map[string]any{
		"scan_id":   "s1",
		"data_type": "uint8",
		"find_type": "exact",
		"pattern":   "00",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	waitScanDone(t, srv, "/api/scan/progress?scan_id=s1")

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/scan?scan_id=s1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/results?scan_id=s1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMemoryEndpoints(t *testing.T) {
	mem := make([]byte, 4096)
	copy(mem[16:], []byte{1, 2, 3, 4})

	srv, fb, _ := newTestServer(t, mem)

	resp, err := http.Get(fmt.Sprintf("%s/api/memory?addr=0x%X&size=4", srv.URL, testBase+16))
	require.NoError(t, err)
	var mr struct {
		Address string `json:"address"`
		Data    string `json:"data"`
	}
	decodeBody(t, resp, &mr)
	data, err := base64.StdEncoding.DecodeString(mr.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)

	// Unmapped reads are a client error, not a 500
	resp, err = http.Get(srv.URL + "/api/memory?addr=0x10&size=4")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/memory", map[string]string{
		"address": fmt.Sprintf("0x%X", testBase+32),
		"data":    base64.StdEncoding.EncodeToString([]byte{0xAA, 0xBB}),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	got, err := fb.ReadMemory(0x10000020, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, got)

	resp, err = http.Post(srv.URL+"/api/suspend", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, fb.Suspended())

	resp, err = http.Post(srv.URL+"/api/resume", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.False(t, fb.Suspended())

	resp, err = http.Get(srv.URL + "/api/pid")
	require.NoError(t, err)
	var pid struct {
		PID int `json:"pid"`
	}
	decodeBody(t, resp, &pid)
	assert.Equal(t, 4242, pid.PID)

	resp, err = http.Get(srv.URL + "/api/regions")
	require.NoError(t, err)
	var regions struct {
		Regions []struct {
			Start string `json:"start"`
			End   string `json:"end"`
			Perms string `json:"perms"`
		} `json:"regions"`
	}
	decodeBody(t, resp, &regions)
	require.Len(t, regions.Regions, 1)
	assert.Equal(t, fmt.Sprintf("0x%X", testBase), regions.Regions[0].Start)
	assert.Equal(t, "rw-p", regions.Regions[0].Perms)
}
