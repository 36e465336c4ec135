package history

import (
	"strings"
	"testing"
)

const setupOutput = `web1 | SUCCESS => {
    "ansible_facts": {
        "ansible_hostname": "web1",
        "ansible_os_family": "Debian"
    },
    "changed": false
}
web2 | UNREACHABLE! => {"changed": false, "msg": "Failed to connect", "unreachable": true}`

func parse(output string) map[string]map[string]any {
	p := NewFactsParser()
	for _, line := range strings.Split(output, "\n") {
		p.Feed(line)
	}
	return p.Result()
}

func TestFactsParser(t *testing.T) {
	facts := parse(setupOutput)

	web1, ok := facts["web1"]
	if !ok {
		t.Fatal("missing web1")
	}
	ansible, ok := web1["ansible_facts"].(map[string]any)
	if !ok {
		t.Fatalf("ansible_facts has type %T", web1["ansible_facts"])
	}
	if ansible["ansible_os_family"] != "Debian" {
		t.Errorf("os family = %v", ansible["ansible_os_family"])
	}

	if facts["web2"]["unreachable"] != true {
		t.Errorf("web2 = %v", facts["web2"])
	}
}

func TestFactsParser_SkipsMalformed(t *testing.T) {
	output := `PLAY [all] ****
db1 | FAILED! => {
    "msg": "broken
}
db2 | SUCCESS => {"ping": "pong"}
db3 | CHANGED | rc=0 >>
hello
db4 | SUCCESS => {`

	facts := parse(output)
	if _, ok := facts["db1"]; ok {
		t.Error("malformed block should be skipped")
	}
	if facts["db2"]["ping"] != "pong" {
		t.Errorf("db2 = %v", facts["db2"])
	}
	if _, ok := facts["db3"]; ok {
		t.Error("command output is not a facts block")
	}
	if _, ok := facts["db4"]; ok {
		t.Error("unterminated block should be dropped")
	}
}
