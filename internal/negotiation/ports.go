package negotiation

import (
	"strings"

	"golang.org/x/text/cases"
)

// DefaultPortNames is the loading-port catalog used when no file is configured.
var DefaultPortNames = []string{
	"Yantai", "Shanghai", "Tianjin", "Guangzhou", "Shenzhen",
	"Ningbo", "Qingdao", "Dalian", "Xiamen", "Lianyungang",
}

// Ports is an immutable, case-insensitive set of loading ports.
type Ports struct {
	names []string
	index map[string]string
}

// NewPorts builds a catalog; blanks and case-insensitive duplicates are dropped.
func NewPorts(names []string) Ports {
	p := Ports{index: make(map[string]string, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		k := portKey(n)
		if _, dup := p.index[k]; dup {
			continue
		}
		p.index[k] = n
		p.names = append(p.names, n)
	}
	return p
}

// DefaultPorts returns the built-in catalog.
func DefaultPorts() Ports { return NewPorts(DefaultPortNames) }

// Resolve maps user input to the canonical port name.
func (p Ports) Resolve(name string) (string, bool) {
	if p.index == nil {
		return "", false
	}
	canon, ok := p.index[portKey(name)]
	return canon, ok
}

// Names returns the canonical names in catalog order.
func (p Ports) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

func (p Ports) Len() int { return len(p.names) }

func portKey(s string) string {
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}
