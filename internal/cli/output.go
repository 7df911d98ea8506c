package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/tilebreeder/internal/transport"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// loadRange reads a YAML tile range file.
func loadRange(path string) (types.TileRange, error) {
	var rng types.TileRange
	data, err := os.ReadFile(path)
	if err != nil {
		return rng, fmt.Errorf("failed to read range file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rng); err != nil {
		return rng, fmt.Errorf("failed to parse range file: %w", err)
	}
	return rng, nil
}

// parseBounds parses "z:minx,miny,maxx,maxy" entries.
func parseBounds(entries []string) (map[int]types.Bounds, error) {
	out := make(map[int]types.Bounds, len(entries))
	for _, s := range entries {
		zs, coords, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("bounds %q: want z:minx,miny,maxx,maxy", s)
		}
		z, err := strconv.Atoi(strings.TrimSpace(zs))
		if err != nil {
			return nil, fmt.Errorf("bounds %q: zoom: %w", s, err)
		}
		parts := strings.Split(coords, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("bounds %q: want 4 coordinates, got %d", s, len(parts))
		}
		var b types.Bounds
		for i, p := range parts {
			if b[i], err = strconv.ParseInt(strings.TrimSpace(p), 10, 64); err != nil {
				return nil, fmt.Errorf("bounds %q: %w", s, err)
			}
		}
		if _, dup := out[z]; dup {
			return nil, fmt.Errorf("bounds for zoom %d given twice", z)
		}
		out[z] = b
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st types.JobStatus) {
	pct := 0.0
	if st.TilesTotal > 0 {
		pct = float64(st.TilesDone) / float64(st.TilesTotal) * 100
	}
	fmt.Fprintf(w, "Job %d  %s %s  (originator %s)\n", st.JobID, st.Type, st.Layer, st.Originator)
	fmt.Fprintf(w, "  State:     %s\n", st.State)
	fmt.Fprintf(w, "  Tiles:     %d / %d (%.1f%%)\n", st.TilesDone, st.TilesTotal, pct)
	fmt.Fprintf(w, "  Spent:     %s\n", time.Duration(st.TimeSpentMs)*time.Millisecond)
	fmt.Fprintf(w, "  Remaining: %s\n", time.Duration(st.TimeRemainingMs)*time.Millisecond)

	if len(st.Nodes) > 0 {
		fmt.Fprintln(w, "\nNodes:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  NODE\tREACHABLE\tTASKS\tERROR")
		for _, n := range st.Nodes {
			fmt.Fprintf(tw, "  %s\t%t\t%d\t%s\n", n.NodeID, n.Reachable, n.TaskCount, n.Error)
		}
		tw.Flush()
	}

	fmt.Fprintln(w, "\nTasks:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  NODE\tTASK\tSTATE\tTILES\tERROR")
	for _, t := range st.Tasks {
		state := string(t.State)
		if t.Terminated {
			state += " (terminated)"
		}
		tiles := strconv.FormatInt(t.TilesDone, 10)
		if t.TilesTotal > 0 {
			tiles += "/" + strconv.FormatInt(t.TilesTotal, 10)
		}
		fmt.Fprintf(tw, "  %s\t%d\t%s\t%s\t%s\n", t.NodeID, t.TaskID, state, tiles, t.Error)
	}
	tw.Flush()
}

func printJobs(w io.Writer, resp *transport.ListJobsResponse) {
	if len(resp.Jobs) == 0 {
		fmt.Fprintf(w, "no jobs on %s\n", resp.Node)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tTYPE\tLAYER\tORIGINATOR\tTASKS\tDONE\tTERMINATED")
	for _, j := range resp.Jobs {
		origin := string(j.Originator)
		if j.IsOriginator {
			origin += " (this node)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%t\t%t\n", j.JobID, j.Type, j.Layer, origin, j.LocalTasks, j.Done, j.Terminated)
	}
	tw.Flush()
}
