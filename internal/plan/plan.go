// Package plan parses markdown work plans into task batches. A plan is a
// markdown document with optional YAML frontmatter naming the project, and
// one level-2 heading per task:
//
//	---
//	project: Payments rework
//	description: Split the payments monolith
//	---
//
//	## Task 1: Extract the ledger interface
//	type: refactor
//	priority: 7
//	depends_on: none
//	tags: go, payments
//
//	Free-form description of the work.
//
//	## Task 2: Port the batch job
//	type: build
//	depends_on: 1
//
// depends_on refers to task numbers within the plan; they become positional
// dependencies on the resulting batch.
package plan

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/harrison/foreman/internal/models"
)

// Plan is a parsed work plan.
type Plan struct {
	Project     string
	Description string
	Tasks       []models.TaskSpec
}

// Parser turns markdown plans into Plans.
type Parser struct {
	markdown goldmark.Markdown
}

// NewParser creates a plan parser.
func NewParser() *Parser {
	return &Parser{markdown: goldmark.New()}
}

var taskHeadingRe = regexp.MustCompile(`^Task\s+(\d+):\s+(.+)$`)

type frontmatter struct {
	Project     string `yaml:"project"`
	Description string `yaml:"description"`
}

// Parse reads a full plan document.
func (p *Parser) Parse(r io.Reader) (*Plan, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	plan := &Plan{}
	content, fm := splitFrontmatter(content)
	if fm != nil {
		var meta frontmatter
		if err := yaml.Unmarshal(fm, &meta); err != nil {
			return nil, fmt.Errorf("parse plan frontmatter: %w", err)
		}
		plan.Project = meta.Project
		plan.Description = meta.Description
	}

	doc := p.markdown.Parser().Parse(text.NewReader(content))
	sections, err := taskSections(doc, content)
	if err != nil {
		return nil, err
	}

	for _, sec := range sections {
		spec, err := parseTask(sec)
		if err != nil {
			return nil, err
		}
		plan.Tasks = append(plan.Tasks, spec)
	}

	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan contains no task headings")
	}
	return plan, nil
}

// section is one task heading plus the source text up to the next heading.
type section struct {
	number int
	title  string
	body   string
}

// taskSections walks the document for level-2 "Task N:" headings and slices
// the raw source between consecutive headings into bodies. Working on the
// raw source keeps free-form descriptions intact.
func taskSections(doc ast.Node, source []byte) ([]section, error) {
	type headingAt struct {
		number int
		title  string
		end    int
	}
	var headings []headingAt
	seen := map[int]bool{}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level != 2 {
			return ast.WalkContinue, nil
		}

		title := headingText(heading, source)
		m := taskHeadingRe.FindStringSubmatch(title)
		if m == nil {
			return ast.WalkContinue, nil
		}
		number, err := strconv.Atoi(m[1])
		if err != nil || number < 1 {
			return ast.WalkStop, fmt.Errorf("bad task number in heading %q", title)
		}
		if seen[number] {
			return ast.WalkStop, fmt.Errorf("duplicate task number %d", number)
		}
		seen[number] = true

		end := 0
		if lines := heading.Lines(); lines.Len() > 0 {
			end = lines.At(lines.Len() - 1).Stop
		}
		headings = append(headings, headingAt{number: number, title: m[2], end: end})
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}

	// Task numbers must be 1..N with no gaps so depends_on can be remapped
	// to batch positions.
	for i, h := range headings {
		if h.number != i+1 {
			return nil, fmt.Errorf("task numbers must be sequential from 1, got %d at position %d", h.number, i+1)
		}
	}

	sections := make([]section, len(headings))
	for i, h := range headings {
		bodyEnd := len(source)
		if i+1 < len(headings) {
			next := headings[i+1]
			// Walk back to the start of the next heading's line.
			idx := bytes.LastIndex(source[:next.end], []byte("\n## "))
			if idx >= 0 {
				bodyEnd = idx
			}
		}
		sections[i] = section{
			number: h.number,
			title:  h.title,
			body:   string(source[h.end:bodyEnd]),
		}
	}
	return sections, nil
}

func headingText(heading *ast.Heading, source []byte) string {
	var sb strings.Builder
	for c := heading.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
		}
	}
	return strings.TrimSpace(sb.String())
}

// parseTask reads a section body: leading "key: value" lines are metadata,
// everything after the first blank line following them is the description.
func parseTask(sec section) (models.TaskSpec, error) {
	spec := models.TaskSpec{
		Title:    sec.title,
		TaskType: "general",
	}

	lines := strings.Split(sec.body, "\n")
	descStart := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if descStart > 0 {
				break
			}
			descStart = i + 1
			continue
		}

		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			break
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "type":
			spec.TaskType = value
		case "priority":
			n, err := strconv.Atoi(value)
			if err != nil {
				return spec, fmt.Errorf("task %d: bad priority %q", sec.number, value)
			}
			spec.Priority = n
		case "depends_on":
			deps, err := parseDependsOn(value)
			if err != nil {
				return spec, fmt.Errorf("task %d: %w", sec.number, err)
			}
			spec.Dependencies = deps
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					spec.Tags = append(spec.Tags, tag)
				}
			}
		case "timeout_minutes":
			n, err := strconv.Atoi(value)
			if err != nil {
				return spec, fmt.Errorf("task %d: bad timeout_minutes %q", sec.number, value)
			}
			spec.TimeoutMinutes = &n
		case "max_retries":
			n, err := strconv.Atoi(value)
			if err != nil {
				return spec, fmt.Errorf("task %d: bad max_retries %q", sec.number, value)
			}
			spec.MaxRetries = n
		default:
			// Not metadata; description starts here.
			descStart = i
			goto done
		}
		descStart = i + 1
	}
done:

	spec.Description = strings.TrimSpace(strings.Join(lines[descStart:], "\n"))
	return spec, nil
}

// parseDependsOn converts 1-based plan task numbers into 0-based batch
// positions. "none" and an empty value both mean no dependencies.
func parseDependsOn(value string) ([]int64, error) {
	if value == "" || strings.EqualFold(value, "none") {
		return nil, nil
	}
	var deps []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("bad depends_on entry %q", part)
		}
		deps = append(deps, int64(n-1))
	}
	return deps, nil
}

// splitFrontmatter removes a leading YAML frontmatter block, returning the
// remaining document and the raw frontmatter (nil when absent).
func splitFrontmatter(content []byte) ([]byte, []byte) {
	const delim = "---"
	if !bytes.HasPrefix(content, []byte(delim+"\n")) {
		return content, nil
	}
	rest := content[len(delim)+1:]
	end := bytes.Index(rest, []byte("\n"+delim))
	if end < 0 {
		return content, nil
	}
	fm := rest[:end]
	body := rest[end+len(delim)+1:]
	if idx := bytes.IndexByte(body, '\n'); idx == 0 {
		body = body[1:]
	}
	return body, fm
}
