// Package process_remote implements process.Backend against the JSON API
// served by the server package, so scans can run against a target on
// another machine. Reads are small and bounded (the engine's remote reader
// config caps chunk size and fan-out); each request carries a 2 second
// timeout.
package process_remote

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"memscan/process"
	"memscan/process/memory_map"
)

const requestTimeout = 2 * time.Second

// RemoteProcess is a process.Backend backed by a memscan API server
type RemoteProcess struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

// New creates a backend for the API server at baseURL (e.g.
// "http://host:8642").
func New(baseURL string) *RemoteProcess {
	return &RemoteProcess{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
		log:     logger.NewLogger(coloransi.Color(coloransi.ColorIndigo, coloransi.ColorOrange, "process-remote")),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// getJSON issues a GET and decodes the response into out. Non-2xx
// responses surface the server's error string.
func (p *RemoteProcess) getJSON(path string, out any) error {
	resp, err := p.client.Get(p.baseURL + path)
	if err != nil {
		return fmt.Errorf("remote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil && er.Error != "" {
			return fmt.Errorf("remote: %s", er.Error)
		}
		return fmt.Errorf("remote: unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *RemoteProcess) postJSON(path string, body any, out any) error {
	var reader *strings.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(buf))
	} else {
		reader = strings.NewReader("")
	}

	resp, err := p.client.Post(p.baseURL+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("remote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil && er.Error != "" {
			return fmt.Errorf("remote: %s", er.Error)
		}
		return fmt.Errorf("remote: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetPID returns the pid of the process attached on the server side
func (p *RemoteProcess) GetPID() process.ProcessID {
	var out struct {
		PID int `json:"pid"`
	}
	if err := p.getJSON("/api/pid", &out); err != nil {
		p.log.Warn("Failed to fetch remote pid: ", err)
		return 0
	}
	return process.ProcessID(out.PID)
}

// ReadMemory fetches size bytes at address from the remote target. Like
// the local backend it is all-or-nothing: a failed or short read is an
// error and the engine skips the chunk.
func (p *RemoteProcess) ReadMemory(address process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	var out struct {
		Data string `json:"data"`
	}
	path := fmt.Sprintf("/api/memory?addr=%s&size=%d", address.ToString(), uint64(size))
	if err := p.getJSON(path, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", process.ErrReadFailed, err)
	}

	data, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload: %v", process.ErrReadFailed, err)
	}
	if uint64(len(data)) != uint64(size) {
		return nil, fmt.Errorf("%w: wanted %d bytes, got %d", process.ErrReadFailed, size, len(data))
	}
	return data, nil
}

// WriteMemory pokes data at address on the remote target
func (p *RemoteProcess) WriteMemory(address process.ProcessMemoryAddress, data []byte) error {
	return p.postJSON("/api/memory", map[string]string{
		"address": address.ToString(),
		"data":    base64.StdEncoding.EncodeToString(data),
	}, nil)
}

// Suspend stops the remote target
func (p *RemoteProcess) Suspend() error {
	return p.postJSON("/api/suspend", nil, nil)
}

// Resume continues the remote target
func (p *RemoteProcess) Resume() error {
	return p.postJSON("/api/resume", nil, nil)
}

// GetMemoryMap fetches the remote target's memory regions
func (p *RemoteProcess) GetMemoryMap() ([]memory_map.MemoryMapItem, error) {
	var out struct {
		Regions []struct {
			Start string `json:"start"`
			End   string `json:"end"`
			Perms string `json:"perms"`
			Path  string `json:"path"`
		} `json:"regions"`
	}
	if err := p.getJSON("/api/regions", &out); err != nil {
		return nil, err
	}

	items := make([]memory_map.MemoryMapItem, 0, len(out.Regions))
	for _, r := range out.Regions {
		start, err1 := strconv.ParseUint(r.Start, 0, 64)
		end, err2 := strconv.ParseUint(r.End, 0, 64)
		if err1 != nil || err2 != nil || end < start {
			continue
		}
		items = append(items, memory_map.MemoryMapItem{
			Address: start,
			Size:    uint(end - start),
			Perms:   r.Perms,
			Path:    r.Path,
		})
	}
	return items, nil
}

// Close releases the client. The remote process itself is unaffected.
func (p *RemoteProcess) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
