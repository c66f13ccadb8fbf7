package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/giantswarm/coursesync/client/progress"
	"github.com/giantswarm/coursesync/client/session"
)

// Run signs out
func (c *LogoutCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, g, nil)
	if err != nil {
		return err
	}
	if err := a.session.Restore(ctx); err != nil {
		return err
	}

	if a.session.State() == session.StateAnonymous {
		fmt.Fprintln(a.out, "Not signed in")
	} else {
		if err := a.session.SignOut(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Signed out")
	}

	if c.Forget {
		return a.tokens.ClearAll(ctx)
	}
	return nil
}

// Run prints the session state
func (c *StatusCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, g, nil)
	if err != nil {
		return err
	}
	if err := a.session.Restore(ctx); err != nil {
		return err
	}

	id, ok := a.session.Identity()
	switch {
	case !ok:
		fmt.Fprintln(a.out, "Not signed in")
	case id.Login == "":
		fmt.Fprintln(a.out, "Signed in (GitHub unreachable, identity not confirmed)")
	case id.Name != "":
		fmt.Fprintf(a.out, "Signed in as %s (%s)\n", id.Login, id.Name)
	default:
		fmt.Fprintf(a.out, "Signed in as %s\n", id.Login)
	}
	fmt.Fprintf(a.out, "Broker: %s\n", g.BrokerURL)
	return nil
}

// Run enrolls in a course
func (c *EnrollCmd) Run(g *Globals) error {
	metadata, err := parseMetadata(c.Title, c.Meta)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, g, nil)
	if err != nil {
		return err
	}
	user, err := a.restore(ctx)
	if err != nil {
		return err
	}

	doc, err := a.progress.Enroll(ctx, user, c.Course, metadata, c.Progress)
	if err != nil {
		return a.checkAuth(ctx, err)
	}
	printDocument(a.out, doc)
	return nil
}

// Run records progress in a course
func (c *ProgressCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, g, nil)
	if err != nil {
		return err
	}
	user, err := a.restore(ctx)
	if err != nil {
		return err
	}

	doc, err := a.progress.UpdateProgress(ctx, user, c.Course, c.Percent)
	if errors.Is(err, progress.ErrNotFound) {
		return fmt.Errorf("not enrolled in %s, run `coursesync enroll %s` first", c.Course, c.Course)
	}
	if err != nil {
		return a.checkAuth(ctx, err)
	}
	if doc.Progress > c.Percent {
		fmt.Fprintf(a.out, "Progress is already %d%%, keeping it\n", doc.Progress)
	}
	printDocument(a.out, doc)
	return nil
}

// Run lists enrolled courses
func (c *CoursesCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, g, nil)
	if err != nil {
		return err
	}
	user, err := a.restore(ctx)
	if err != nil {
		return err
	}

	docs, err := a.progress.FetchAll(ctx, user)
	if err != nil {
		return a.checkAuth(ctx, err)
	}
	if len(docs) == 0 {
		fmt.Fprintln(a.out, "No enrollments yet")
		return nil
	}
	printTable(a.out, docs)
	return nil
}

// Run shows one course
func (c *CourseCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, g, nil)
	if err != nil {
		return err
	}
	user, err := a.restore(ctx)
	if err != nil {
		return err
	}

	doc, err := a.progress.Course(ctx, user, c.Course)
	if errors.Is(err, progress.ErrNotFound) {
		return fmt.Errorf("not enrolled in %s", c.Course)
	}
	if err != nil {
		return a.checkAuth(ctx, err)
	}
	printDocument(a.out, doc)
	return nil
}

// parseMetadata builds enrollment metadata from --title and --meta key=value
// pairs. Values that parse as JSON numbers or booleans keep that type.
func parseMetadata(title string, pairs []string) (map[string]any, error) {
	metadata := make(map[string]any, len(pairs)+1)
	if title != "" {
		metadata["title"] = title
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", pair)
		}
		metadata[key] = parseValue(value)
	}
	return metadata, nil
}

func parseValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}

func printDocument(w io.Writer, doc *progress.Document) {
	fmt.Fprintf(w, "Course:       %s\n", doc.CourseID)
	fmt.Fprintf(w, "Progress:     %d%%\n", doc.Progress)
	fmt.Fprintf(w, "Enrolled:     %s\n", formatTime(doc.EnrolledAt))
	fmt.Fprintf(w, "Last updated: %s\n", formatTime(doc.LastUpdated))
	fmt.Fprintf(w, "Version:      %d\n", doc.Version)
	for _, k := range slices.Sorted(maps.Keys(doc.Metadata)) {
		fmt.Fprintf(w, "  %s: %v\n", k, doc.Metadata[k])
	}
}

func printTable(w io.Writer, docs []*progress.Document) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Course", "Title", "Progress", "Last updated", "Version"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)

	for _, doc := range docs {
		title, _ := doc.Metadata["title"].(string)
		table.Append([]string{
			doc.CourseID,
			title,
			fmt.Sprintf("%d%%", doc.Progress),
			formatTime(doc.LastUpdated),
			strconv.FormatInt(doc.Version, 10),
		})
	}
	table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
