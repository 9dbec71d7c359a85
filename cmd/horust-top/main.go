// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command horust-top is a live terminal dashboard over a running
// supervisor's control socket: one row per service, refreshed on a
// timer, with keys to restart or stop the selected row. Grounded
// directly on the teacher's govisor/ui/mpanel.go (tcell/v2 +
// tcell/v2/views CellView/CellModel, GetCell/GetBounds/cursor-tracking,
// status-line summary counts) -- rebuilt as a single panel against the
// control socket instead of the teacher's multi-panel REST-backed App.
package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/FedericoPonzi/Horust/control"
	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"
	"github.com/spf13/cobra"
)

var (
	styleNormal = tcell.StyleDefault.Foreground(tcell.ColorSilver).Background(tcell.ColorBlack)
	styleGood   = tcell.StyleDefault.Foreground(tcell.ColorGreen).Background(tcell.ColorBlack)
	styleWarn   = tcell.StyleDefault.Foreground(tcell.ColorYellow).Background(tcell.ColorBlack)
	styleError  = tcell.StyleDefault.Foreground(tcell.ColorMaroon).Background(tcell.ColorBlack)
)

func main() {
	var sockPath string
	cmd := &cobra.Command{
		Use:           "horust-top",
		Short:         "Live dashboard for a running horust supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, args []string) error {
			if sockPath == "" {
				return fmt.Errorf("--socket is required")
			}
			return runDashboard(sockPath)
		},
	}
	cmd.Flags().StringVar(&sockPath, "socket", "", "path to the supervisor's control socket")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "horust-top:", err)
		os.Exit(1)
	}
}

func runDashboard(sockPath string) error {
	app := &views.Application{}
	d := newDashboard(app, sockPath)

	app.SetRootWidget(d.view)
	go d.refreshLoop()
	return app.Run()
}

// dashboard owns the CellModel and periodically polls the control
// socket, posting updates onto the Application's own goroutine via
// PostFunc the same way the teacher's App.refresh does.
type dashboard struct {
	app  *views.Application
	view *dashboardView
	sock string

	rows []control.ServiceStatus
	err  error
	cury int
	curx int
}

type dashboardView struct {
	*views.CellView
	d *dashboard
}

func newDashboard(app *views.Application, sockPath string) *dashboard {
	d := &dashboard{app: app}
	cv := views.NewCellView()
	cv.SetModel(&dashboardModel{d: d})
	cv.SetStyle(styleNormal)
	d.view = &dashboardView{CellView: cv, d: d}
	d.sock = sockPath
	return d
}

func (dv *dashboardView) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyCtrlC, tcell.KeyEscape:
			dv.d.app.Quit()
			return true
		case tcell.KeyCtrlL:
			dv.d.app.Refresh()
			return true
		}
		switch ev.Rune() {
		case 'q', 'Q':
			dv.d.app.Quit()
			return true
		case 'r', 'R':
			go dv.d.pollOnce()
			return true
		case 's', 'S':
			dv.d.stopSelected()
			return true
		case 'x', 'X':
			dv.d.startSelected()
			return true
		}
	}
	return dv.CellView.HandleEvent(ev)
}

func (d *dashboard) selected() (control.ServiceStatus, bool) {
	if d.cury < 0 || d.cury >= len(d.rows) {
		return control.ServiceStatus{}, false
	}
	return d.rows[d.cury], true
}

func (d *dashboard) stopSelected() {
	row, ok := d.selected()
	if !ok {
		return
	}
	go d.doControl(func(c *control.Client) error { return c.Stop(row.Name) })
}

func (d *dashboard) startSelected() {
	row, ok := d.selected()
	if !ok {
		return
	}
	go d.doControl(func(c *control.Client) error { return c.Start(row.Name) })
}

func (d *dashboard) doControl(f func(*control.Client) error) {
	c, err := control.Dial(d.sock)
	if err != nil {
		return
	}
	defer c.Close()
	_ = f(c)
	d.pollOnce()
}

func (d *dashboard) pollOnce() {
	c, err := control.Dial(d.sock)
	if err != nil {
		d.app.PostFunc(func() { d.err = err; d.app.Update() })
		return
	}
	defer c.Close()
	rows, err := c.Status("")
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	d.app.PostFunc(func() {
		d.rows = rows
		d.err = err
		d.app.Update()
	})
}

func (d *dashboard) refreshLoop() {
	for {
		d.pollOnce()
		time.Sleep(time.Second)
	}
}

// dashboardModel implements views.CellModel, rendering one row per
// service with a status-colored style, following the teacher's
// mainModel.GetCell/GetBounds pattern.
type dashboardModel struct {
	d *dashboard
}

func (m *dashboardModel) lines() ([]string, []tcell.Style) {
	d := m.d
	if d.err != nil {
		return []string{fmt.Sprintf("error: %v", d.err)}, []tcell.Style{styleError}
	}
	lines := make([]string, 0, len(d.rows))
	styles := make([]tcell.Style, 0, len(d.rows))
	for _, r := range d.rows {
		line := fmt.Sprintf("%-24s %-16s pid=%-8d attempts=%-4d unhealthy=%d",
			r.Name, r.Status, r.Pid, r.StartAttempts, r.ConsecutiveUnhealthy)
		lines = append(lines, line)
		styles = append(styles, styleFor(r.Status))
	}
	return lines, styles
}

func styleFor(status string) tcell.Style {
	switch status {
	case "Running", "FinishedSuccess":
		return styleGood
	case "Failed", "FinishedFailed":
		return styleError
	case "Initial", "InKilling":
		return styleWarn
	default:
		return styleNormal
	}
}

func (m *dashboardModel) GetCell(x, y int) (rune, tcell.Style, []rune, int) {
	lines, styles := m.lines()
	if y < 0 || y >= len(lines) {
		return 0, styleNormal, nil, 1
	}
	var ch rune = ' '
	if x >= 0 && x < len(lines[y]) {
		ch = rune(lines[y][x])
	}
	style := styles[y]
	if y == m.d.cury {
		style = style.Reverse(true)
	}
	return ch, style, nil, 1
}

func (m *dashboardModel) GetBounds() (int, int) {
	lines, _ := m.lines()
	width := 0
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}
	return width, len(lines)
}

func (m *dashboardModel) GetCursor() (int, int, bool, bool) {
	return m.d.curx, m.d.cury, true, false
}

func (m *dashboardModel) SetCursor(x, y int) {
	m.d.curx, m.d.cury = clamp(x, y, m.d)
}

func (m *dashboardModel) MoveCursor(offx, offy int) {
	m.d.curx, m.d.cury = clamp(m.d.curx+offx, m.d.cury+offy, m.d)
}

func clamp(x, y int, d *dashboard) (int, int) {
	if y < 0 {
		y = 0
	}
	if y >= len(d.rows) && len(d.rows) > 0 {
		y = len(d.rows) - 1
	}
	if x < 0 {
		x = 0
	}
	return x, y
}
