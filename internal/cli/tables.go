package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/shaban/appmixer"
	"github.com/shaban/appmixer/devices"
	"github.com/shaban/appmixer/dsp"
	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/tap"
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// DevicesTable lists devices, marking the default output.
func DevicesTable(list devices.Descriptors, defaultUID string) string {
	t := newTable("", "Name", "UID", "Transport", "In", "Out", "Rate")
	for _, d := range list {
		mark := ""
		if d.UID == defaultUID {
			mark = "*"
		}
		rate := "-"
		if d.SampleRate > 0 {
			rate = fmt.Sprintf("%.0f", d.SampleRate)
		}
		t.Row(mark, d.Name, d.UID, string(d.Transport),
			fmt.Sprint(d.InputChannels), fmt.Sprint(d.OutputChannels), rate)
	}
	return t.String()
}

// AppsTable lists applications with their routing and level.
func AppsTable(apps []appmixer.AppState) string {
	t := newTable("PID", "Application", "Device", "Volume", "EQ", "State", "Level")
	for _, a := range apps {
		device := a.Device.Name
		if device == "" {
			device = "-"
		}
		if a.PreferredDevice == "" {
			device += " (default)"
		}
		t.Row(
			fmt.Sprint(a.PID),
			displayName(a.Application),
			device,
			volumeText(a.Volume, a.Muted),
			eqText(a),
			stateText(a),
			Meter(a.Level, 10),
		)
	}
	return t.String()
}

// StatusView renders the engine summary followed by the applications.
func StatusView(st appmixer.Status) string {
	var sb strings.Builder
	sb.WriteString(TitleStyle.Render("appmixer " + st.Name))
	sb.WriteString("\n")

	permission := WarnStyle.Render("pending")
	if st.PermissionConfirmed {
		permission = GoodStyle.Render("confirmed")
	}
	lines := []string{
		KeyValue("Default output", orDash(st.DefaultOutput)),
		KeyStyle.Render("Capture permission:") + " " + permission,
		KeyValue("Service restarts", fmt.Sprint(st.Restarts)),
		KeyValue("Control latency", fmt.Sprintf("last %v, worst %v", st.LastOperation.Round(time.Microsecond), st.SlowestOperation.Round(time.Microsecond))),
	}
	if st.Errors > 0 {
		lines = append(lines, KeyStyle.Render("Errors:")+" "+ErrorStyle.Render(fmt.Sprintf("%d, last: %s", st.Errors, st.LastError)))
	}
	if st.Recovering {
		lines = append(lines, WarnStyle.Render("recovering from audio service restart"))
	}
	sb.WriteString(strings.Join(lines, "\n"))
	sb.WriteString("\n")
	if len(st.Apps) == 0 {
		sb.WriteString(KeyStyle.Render("no applications producing audio"))
		sb.WriteString("\n")
		return sb.String()
	}
	sb.WriteString(AppsTable(st.Apps))
	sb.WriteString("\n")
	return sb.String()
}

// Meter renders a peak as a bar of width cells.
func Meter(peak float32, width int) string {
	if peak < 0 {
		peak = 0
	}
	filled := int(peak*float32(width) + 0.5)
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("·", width-filled)
	if peak >= 1 {
		return ErrorStyle.Render(bar)
	}
	return GoodStyle.Render(bar)
}

func displayName(a appmixer.Application) string {
	if a.Name != "" {
		return a.Name
	}
	return a.PersistenceKey()
}

func volumeText(v float32, muted bool) string {
	if muted {
		return "muted"
	}
	return fmt.Sprintf("%d%%", int(v*100+0.5))
}

func eqText(a appmixer.AppState) string {
	if !a.EQ.Enabled || a.EQ.IsFlat() {
		return "off"
	}
	return fmt.Sprintf("%+.0f dB pre", dsp.PreampDB(a.EQ.Gains))
}

func stateText(a appmixer.AppState) string {
	switch {
	case !a.Active:
		return WarnStyle.Render("inactive")
	case a.Phase != tap.PhaseIdle:
		return WarnStyle.Render(a.Phase.String())
	case a.Mute == hal.ExclusiveCapture:
		return GoodStyle.Render("exclusive")
	default:
		return "pass-through"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
