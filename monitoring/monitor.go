// Package monitoring serves the state of running connectors over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"

	"github.com/sarchlab/rendezvous/connector"
	"github.com/sarchlab/rendezvous/idgen"
	"github.com/sarchlab/rendezvous/monitoring/web"
)

// Monitor turns a process running connectors into a server that can be
// inspected from a browser.
type Monitor struct {
	portNumber int
	log        *logrus.Entry

	lock       sync.Mutex
	connectors []*connector.Connector

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
	ids              idgen.Generator
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		log: logrus.WithField("component", "monitor"),
		ids: idgen.NewSequential(),
	}
}

// WithPortNumber sets the port number of the monitor. Ports below 1000 are
// replaced by a random one.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		m.log.Warnf("port %d is not allowed for the monitor, "+
			"using a random port instead", portNumber)

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterConnector adds a connector to be monitored.
func (m *Monitor) RegisterConnector(c *connector.Connector) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.connectors = append(m.connectors, c)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        m.ids.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the page.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/connectors", m.listConnectors)
	r.HandleFunc("/api/connector/{name}", m.connectorDetails)
	r.HandleFunc("/api/connector/{name}/rounds", m.connectorRounds)
	r.HandleFunc("/api/connector/{name}/trace", m.connectorTrace)
	r.HandleFunc("/api/connector/{name}/staged", m.connectorStaged)
	r.HandleFunc("/api/connector/{name}/field/{path}", m.connectorField)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer serves the monitor in the background and returns its URL.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	m.log.WithField("url", url).Info("monitoring connectors")

	go func() {
		err := http.Serve(listener, m.Router())
		if err != nil && !errors.Is(err, net.ErrClosed) {
			m.log.WithError(err).Error("monitor stopped")
		}
	}()

	return url, nil
}

type connectorSummary struct {
	Name       string `json:"name"`
	ID         uint32 `json:"id"`
	State      string `json:"state"`
	Entry      string `json:"entry"`
	Round      uint64 `json:"round"`
	RoundState string `json:"round_state"`
	Root       uint32 `json:"root"`
	Parent     int    `json:"parent"`
	Children   []int  `json:"children"`
	Broken     string `json:"broken,omitempty"`
}

func summarize(c *connector.Connector) connectorSummary {
	s := c.Status()

	return connectorSummary{
		Name:       s.Name,
		ID:         uint32(s.ID),
		State:      s.State.String(),
		Entry:      s.Entry,
		Round:      s.Round,
		RoundState: s.RoundState,
		Root:       uint32(s.Root),
		Parent:     s.Parent,
		Children:   s.Children,
		Broken:     s.Broken,
	}
}

func (m *Monitor) listConnectors(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	summaries := make([]connectorSummary, 0, len(m.connectors))
	for _, c := range m.connectors {
		summaries = append(summaries, summarize(c))
	}
	m.lock.Unlock()

	writeJSON(w, summaries)
}

func (m *Monitor) connectorDetails(w http.ResponseWriter, r *http.Request) {
	c := m.findConnectorOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	status := c.Status()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&status)
	serializer.SetMaxDepth(1)

	err := serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) connectorField(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	c := m.findConnectorOr404(w, vars["name"])
	if c == nil {
		return
	}

	status := c.Status()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&status)
	serializer.SetMaxDepth(1)

	err := serializer.SetEntryPoint(strings.Split(vars["path"], "."))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) connectorRounds(w http.ResponseWriter, r *http.Request) {
	c := m.findConnectorOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	writeJSON(w, c.History())
}

func (m *Monitor) connectorTrace(w http.ResponseWriter, r *http.Request) {
	c := m.findConnectorOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	err := c.DumpDiagnosticLog(w)
	dieOnErr(err)
}

type stagedOp struct {
	Port     int    `json:"port"`
	Polarity string `json:"polarity"`
	Payload  []byte `json:"payload,omitempty"`
}

func (m *Monitor) connectorStaged(w http.ResponseWriter, r *http.Request) {
	c := m.findConnectorOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	staged := c.Staged()
	rsp := make([][]stagedOp, 0, len(staged))

	for _, b := range staged {
		ops := make([]stagedOp, 0, len(b.Ops))
		for _, op := range b.Ops {
			ops = append(ops, stagedOp{
				Port:     op.Port,
				Polarity: op.Polarity.String(),
				Payload:  op.Payload,
			})
		}

		rsp = append(rsp, ops)
	}

	writeJSON(w, rsp)
}

func (m *Monitor) findConnectorOr404(
	w http.ResponseWriter,
	name string,
) *connector.Connector {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, c := range m.connectors {
		if c.Name() == name {
			return c
		}
	}

	http.Error(w, "Connector not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bars := make([]ProgressBarSnapshot, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.Snapshot())
	}

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	memory, err := proc.MemoryInfo()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memory.RSS,
	})
}

// collectProfile samples the CPU for the number of seconds in the "seconds"
// query parameter, one by default.
func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second

	if s := r.URL.Query().Get("seconds"); s != "" {
		seconds, err := strconv.ParseFloat(s, 64)
		if err != nil || seconds <= 0 {
			http.Error(w, "invalid seconds", http.StatusBadRequest)
			return
		}

		duration = time.Duration(seconds * float64(time.Second))
	}

	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(duration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(data)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		logrus.Panic(err)
	}
}
