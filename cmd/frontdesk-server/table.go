package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ehr/frontdesk/internal/domain/triage"
	"github.com/ehr/frontdesk/internal/platform/db"
)

func renderQueue(entries []triage.Entry, now time.Time) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Patient", "Status", "Level", "Complaint", "Red flags", "Waiting"})

	for i, e := range entries {
		level, complaint, flags := "-", "", ""
		if e.Metadata.Triaged() {
			t := e.Metadata.Triage
			level = fmt.Sprint(t.TriageLevel)
			complaint = t.ChiefComplaint
			flags = strings.Join(t.RedFlags, ", ")
		}
		waiting := ""
		if at := e.Metadata.QueueAddedAt; at != nil {
			waiting = now.Sub(*at).Truncate(time.Minute).String()
		}
		tw.AppendRow(table.Row{i + 1, e.PatientID, e.Metadata.QueueStatus.String(), level, complaint, flags, waiting})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d patient(s)", len(entries))})

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 6, Colors: text.Colors{text.FgRed}},
		{Number: 7, Align: text.AlignRight},
	})
	return tw.Render()
}

func renderMigrations(statuses []db.MigrationStatus) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Version", "Name", "Status", "Applied at"})
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		tw.AppendRow(table.Row{s.Version, s.Name, status, appliedAt})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Align: text.AlignRight}})
	return tw.Render()
}
