package streamparser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentrun/orchestrator/internal/toolregistry"
	"github.com/agentrun/orchestrator/pkg/model"
)

// XMLParser parses tool calls embedded as XML tags in the assistant's text
// stream. It is deliberately not a real XML parser: it requires only that a
// registered tag's open/close pair both appear in the rolling buffer, and
// does not require the surrounding text to be well-formed XML, since the
// model freely interleaves prose with tags.
type XMLParser struct {
	specs map[string]toolregistry.XMLTagSpec
	buf   strings.Builder

	runID      string
	iteration  int
	occurrence int
}

// NewXMLParser creates an XML-dialect parser for one run iteration, with the
// tag surface declared by the Tool Registry.
func NewXMLParser(runID string, iteration int, tags []toolregistry.XMLTagSpec) *XMLParser {
	specs := make(map[string]toolregistry.XMLTagSpec, len(tags))
	for _, t := range tags {
		specs[t.TagName] = t
	}
	return &XMLParser{specs: specs, runID: runID, iteration: iteration}
}

var attrRe = regexp.MustCompile(`([a-zA-Z_][\w-]*)\s*=\s*"([^"]*)"|([a-zA-Z_][\w-]*)\s*=\s*'([^']*)'`)

// Feed implements Parser.
func (p *XMLParser) Feed(chunk RawChunk) []model.Event {
	if chunk.TextDelta != "" {
		p.buf.WriteString(chunk.TextDelta)
	}
	events := p.drain(false)
	if chunk.FinishReason != "" {
		events = append(events, p.drain(true)...)
	}
	return events
}

// Flush implements Parser.
func (p *XMLParser) Flush() []model.Event {
	return p.drain(true)
}

// drain repeatedly extracts complete tool-call tags and prose runs from the
// buffer. When final is true, any text remaining after the last complete tag
// is also flushed as a content delta (the stream has ended; nothing more is
// coming to complete a dangling "<").
func (p *XMLParser) drain(final bool) []model.Event {
	var events []model.Event

	for {
		buf := p.buf.String()
		lt := strings.IndexByte(buf, '<')
		if lt < 0 {
			if buf != "" {
				events = append(events, contentDelta(buf))
				p.buf.Reset()
			}
			return events
		}

		if lt > 0 {
			events = append(events, contentDelta(buf[:lt]))
			buf = buf[lt:]
			p.resetTo(buf)
		}

		gt := strings.IndexByte(buf, '>')
		if gt < 0 {
			if final {
				events = append(events, contentDelta(buf))
				p.buf.Reset()
			}
			return events
		}

		openTag := buf[1:gt] // without < >
		tagName, attrs := splitTagNameAttrs(openTag)
		spec, recognized := p.specs[tagName]
		if !recognized {
			// Not a registered tag: the leading '<' is ordinary text; emit it
			// and keep scanning the rest for real tags.
			events = append(events, contentDelta(buf[:1]))
			p.resetTo(buf[1:])
			continue
		}

		closeTag := "</" + tagName + ">"
		closeIdx := strings.Index(buf[gt+1:], closeTag)
		if closeIdx < 0 {
			// Outer tag is open but not yet closed: wait for more chunks.
			// A nested recognized tag inside an unclosed outer tag never
			// parses independently; the outer tag wins.
			return events
		}
		inner := buf[gt+1 : gt+1+closeIdx]
		rest := buf[gt+1+closeIdx+len(closeTag):]

		call := p.buildToolCall(spec, attrs, inner)
		events = append(events, toolCallStarted(call))
		events = append(events, toolCallComplete(call))

		p.resetTo(rest)
	}
}

func (p *XMLParser) resetTo(s string) {
	p.buf.Reset()
	p.buf.WriteString(s)
}

func (p *XMLParser) buildToolCall(spec toolregistry.XMLTagSpec, attrs map[string]string, inner string) model.ToolCall {
	p.occurrence++
	args := make(map[string]any, len(spec.Mappings))
	for _, m := range spec.Mappings {
		switch m.Source {
		case toolregistry.XMLFromAttribute:
			if v, ok := attrs[m.Param]; ok {
				args[m.Param] = v
			}
		case toolregistry.XMLFromContent:
			args[m.Param] = strings.TrimSpace(inner)
		case toolregistry.XMLFromElement:
			if v, ok := extractChildElement(inner, m.Param); ok {
				args[m.Param] = v
			}
		}
	}

	return model.ToolCall{
		CallID:    fmt.Sprintf("%s-iter%d-xml%d", p.runID, p.iteration, p.occurrence),
		Name:      spec.TagName,
		Arguments: args,
		Origin:    model.OriginXML,
		Index:     p.occurrence,
	}
}

func splitTagNameAttrs(openTag string) (string, map[string]string) {
	openTag = strings.TrimSuffix(strings.TrimSpace(openTag), "/")
	name := openTag
	attrsPart := ""
	if sp := strings.IndexAny(openTag, " \t\n"); sp >= 0 {
		name = openTag[:sp]
		attrsPart = openTag[sp+1:]
	}
	attrs := map[string]string{}
	for _, m := range attrRe.FindAllStringSubmatch(attrsPart, -1) {
		if m[1] != "" {
			attrs[m[1]] = m[2]
		} else if m[3] != "" {
			attrs[m[3]] = m[4]
		}
	}
	return name, attrs
}

// extractChildElement finds the text body of the first <name>...</name>
// child within inner. It does not recurse; a second nesting level is
// treated as raw text of its parent.
func extractChildElement(inner, name string) (string, bool) {
	open := "<" + name + ">"
	close := "</" + name + ">"
	start := strings.Index(inner, open)
	if start < 0 {
		return "", false
	}
	start += len(open)
	end := strings.Index(inner[start:], close)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(inner[start : start+end]), true
}
