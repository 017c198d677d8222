// Package output renders ferrule CLI command results as aligned tables,
// grounded on dittofsctl's tablewriter-based renderer (cmd/dittofsctl/
// cmdutil's table helpers) but narrowed to the one shape this CLI prints:
// rows of nexthop state returned by the control API.
package output

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableRenderer is implemented by types that can render themselves as a table.
type TableRenderer interface {
	// Headers returns the column headers for the table.
	Headers() []string
	// Rows returns the data rows for the table.
	Rows() [][]string
}

// PrintTable writes data as a borderless, left-aligned table, matching
// `ferrule nh list`'s terse operator-facing style.
func PrintTable(w io.Writer, data TableRenderer) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader(data.Headers())

	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, row := range data.Rows() {
		table.Append(row)
	}

	table.Render()
	return nil
}

// NexthopRow is one entry of an `nh list` response, decoded from the
// control API's JSON envelope.
type NexthopRow struct {
	Addr      string
	VRFID     uint16
	IfaceID   uint16
	MAC       string
	Flags     uint16
	HeldCount int
}

// NexthopTable renders a slice of NexthopRow as a TableRenderer.
type NexthopTable struct {
	rows []NexthopRow
}

// NewNexthopTable wraps rows for rendering with PrintTable.
func NewNexthopTable(rows []NexthopRow) *NexthopTable {
	return &NexthopTable{rows: rows}
}

// Headers implements TableRenderer.
func (t *NexthopTable) Headers() []string {
	return []string{"ADDR", "VRF", "IFACE", "MAC", "FLAGS", "HELD"}
}

// Rows implements TableRenderer, rendering Flags with nexthop.Flags.String()'s
// letter code (S/L/K/G/R/s/P/F) instead of a raw hex bitmask.
func (t *NexthopTable) Rows() [][]string {
	out := make([][]string, len(t.rows))
	for i, r := range t.rows {
		out[i] = []string{
			r.Addr,
			fmt.Sprint(r.VRFID),
			fmt.Sprint(r.IfaceID),
			r.MAC,
			flagString(r.Flags),
			fmt.Sprint(r.HeldCount),
		}
	}
	return out
}

// flagString mirrors nexthop.Flags.String() without importing the nexthop
// package, since the CLI only ever sees flags as a JSON-decoded uint16.
func flagString(bits uint16) string {
	if bits == 0 {
		return "-"
	}
	const (
		flagStatic = 1 << iota
		flagLocal
		flagLink
		flagGateway
		flagReachable
		flagStale
		flagPending
		flagFailed
	)
	var buf [8]byte
	n := 0
	add := func(bit uint16, c byte) {
		if bits&bit != 0 {
			buf[n] = c
			n++
		}
	}
	add(flagStatic, 'S')
	add(flagLocal, 'L')
	add(flagLink, 'K')
	add(flagGateway, 'G')
	add(flagReachable, 'R')
	add(flagStale, 's')
	add(flagPending, 'P')
	add(flagFailed, 'F')
	return string(buf[:n])
}
