package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type TransferOutput struct {
	ID          int
	Label       string
	Status      string
	Message     string
	Progress    string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Label string
	Error error
	Time  time.Time
}

// Manager renders one line (plus a progress line) per registered transfer and
// redraws them on a ticker while the display runs.
type Manager struct {
	out         io.Writer
	outputs     map[int]*TransferOutput
	mutex       sync.RWMutex
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	displayWg   sync.WaitGroup
	count       int
	live        bool
}

func NewManager() *Manager {
	return NewManagerWithWriter(os.Stdout, isTerminal())
}

// NewManagerWithWriter renders to w. Without live mode only the final state
// and summary are printed.
func NewManagerWithWriter(w io.Writer, live bool) *Manager {
	return &Manager{
		out:         w,
		outputs:     make(map[int]*TransferOutput),
		doneCh:      make(chan struct{}),
		displayTick: 200 * time.Millisecond,
		live:        live,
	}
}

func (m *Manager) Register(label string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.count++
	m.outputs[m.count] = &TransferOutput{
		ID:          m.count,
		Label:       label,
		Status:      "pending",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
	return m.count
}

func (m *Manager) SetMessage(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Message = message
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) GetStatus(id int) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if info, exists := m.outputs[id]; exists {
		return info.Status
	}
	return "unknown"
}

func (m *Manager) UpdateProgress(id int, current, total int64, speed float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Status = "active"
		info.Progress = ProgressLine(current, total, speed, 30)
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) Complete(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Progress = ""
		if message == "" {
			info.Message = fmt.Sprintf("Completed %s", info.Label)
		} else {
			info.Message = message
		}
		info.Complete = true
		info.Status = "success"
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) ReportError(id int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Progress = ""
		info.Complete = true
		info.Status = "error"
		info.Message = fmt.Sprintf("Failed %s", info.Label)
		info.Error = err
		info.LastUpdated = time.Now()
		m.errors = append(m.errors, ErrorReport{
			Label: info.Label,
			Error: err,
			Time:  time.Now(),
		})
	}
}

func (m *Manager) statusIndicator(status string) string {
	switch status {
	case "success":
		return successStyle.Render(StyleSymbols["pass"])
	case "error":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) styledMessage(info *TransferOutput) string {
	msg := info.Message
	if msg == "" {
		msg = "Waiting..."
	}
	switch info.Status {
	case "success":
		return successStyle.Render(msg)
	case "error":
		return errorStyle.Render(msg)
	case "warning":
		return warningStyle.Render(msg)
	default:
		return pendingStyle.Render(msg)
	}
}

func (m *Manager) sorted() []*TransferOutput {
	all := make([]*TransferOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID < all[j].ID
	})
	return all
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	availableLines := getTerminalHeight() - 3
	if m.live && m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lineCount := 0
	for _, info := range m.sorted() {
		if m.live && lineCount >= availableLines {
			break
		}
		elapsed := time.Since(info.StartTime).Round(time.Second)
		if info.Complete {
			elapsed = info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		}
		fmt.Fprintf(m.out, "%s%s %s %s\n", strings.Repeat(" ", 2), m.statusIndicator(info.Status), debugStyle.Render(elapsed.String()), m.styledMessage(info))
		lineCount++
		if info.Progress != "" {
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 6), info.Progress)
			lineCount++
		}
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.live {
					m.updateDisplay()
				}
			case <-m.doneCh:
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 4),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			errorStyle.Render(report.Label))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 6), errorStyle.Render(fmt.Sprintf("Error: %v", report.Error)))
	}
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	fmt.Fprintln(m.out)
	var success, failures int
	for _, info := range m.outputs {
		if info.Status == "success" {
			success++
		} else if info.Status == "error" {
			failures++
		}
	}
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+summaryStyle.Render(fmt.Sprintf("Completed %d of %d", success, len(m.outputs))))
	if failures > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, len(m.outputs))))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
