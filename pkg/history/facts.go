package history

import (
	"encoding/json"
	"regexp"
	"strings"
)

// headerRe matches the first line of an ad-hoc result, e.g.
//
//	web1 | SUCCESS => {
//	web2 | UNREACHABLE! => {"changed": false, "unreachable": true}
var headerRe = regexp.MustCompile(`^(\S+) \| ([A-Z_]+!?) => (\{.*)$`)

// FactsParser collects per-host JSON results from ad-hoc module output.
type FactsParser struct {
	result map[string]map[string]any

	host   string
	status string
	body   []string
}

// NewFactsParser creates an empty parser.
func NewFactsParser() *FactsParser {
	return &FactsParser{result: make(map[string]map[string]any)}
}

// Feed consumes one output line.
func (p *FactsParser) Feed(line string) {
	if p.host != "" {
		p.body = append(p.body, line)
		if line == "}" {
			p.flush()
		}
		return
	}

	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	p.host, p.status, p.body = m[1], m[2], []string{m[3]}
	switch {
	case m[3] == "{":
		// multi-line block follows
	case strings.HasSuffix(m[3], "}"):
		if !p.tryFlush() {
			p.reset()
		}
	default:
		p.reset()
	}
}

// Result returns the parsed hosts. An unterminated trailing block is dropped.
func (p *FactsParser) Result() map[string]map[string]any {
	return p.result
}

func (p *FactsParser) tryFlush() bool {
	var data map[string]any
	if err := json.Unmarshal([]byte(strings.Join(p.body, "\n")), &data); err != nil {
		return false
	}
	p.store(data)
	return true
}

func (p *FactsParser) flush() {
	var data map[string]any
	if err := json.Unmarshal([]byte(strings.Join(p.body, "\n")), &data); err == nil {
		p.store(data)
		return
	}
	p.reset()
}

func (p *FactsParser) store(data map[string]any) {
	data["status"] = p.status
	p.result[p.host] = data
	p.reset()
}

func (p *FactsParser) reset() {
	p.host, p.status, p.body = "", "", nil
}
