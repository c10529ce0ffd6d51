// Package squawk manages the transponder codes assigned to displayed
// aircraft.
package squawk

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/unklstewy/livetraffic/pkg/config"
)

// ErrPoolExhausted is returned when every assignable code is in use.
var ErrPoolExhausted = errors.New("squawk: code pool exhausted")

// Codes that are never assigned: conspicuity, emergency and special
// purpose codes.
var DefaultReserved = []string{"0000", "1200", "2000", "7000", "7500", "7600", "7700", "7777"}

// Emergency codes take precedence over any assigned code on display.
var emergency = map[string]bool{"7500": true, "7600": true, "7700": true}

// Pool hands out the lowest free code in [low, high] to identity keys.
// A code is held by at most one key at a time. Safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	low      int
	high     int
	reserved map[int]bool
	owner    map[int]string
	byKey    map[string]int
}

// NewPool creates a pool over the octal code range [low, high]; reserved
// codes are skipped in addition to DefaultReserved.
func NewPool(low, high int, reserved []int) *Pool {
	p := &Pool{
		low:      max(low, 0),
		high:     min(high, 07777),
		reserved: make(map[int]bool),
		owner:    make(map[int]string),
		byKey:    make(map[string]int),
	}
	for _, s := range DefaultReserved {
		code, _ := config.ParseSquawk(s)
		p.reserved[code] = true
	}
	for _, code := range reserved {
		p.reserved[code] = true
	}
	return p
}

// NewPoolFromConfig builds a pool from the squawk settings.
func NewPoolFromConfig(cfg config.SquawkConfig) (*Pool, error) {
	low, err := config.ParseSquawk(cfg.Low)
	if err != nil {
		return nil, fmt.Errorf("squawk low: %w", err)
	}
	high, err := config.ParseSquawk(cfg.High)
	if err != nil {
		return nil, fmt.Errorf("squawk high: %w", err)
	}
	var reserved []int
	for _, s := range cfg.Reserved {
		code, err := config.ParseSquawk(s)
		if err != nil {
			return nil, fmt.Errorf("reserved squawk: %w", err)
		}
		reserved = append(reserved, code)
	}
	return NewPool(low, high, reserved), nil
}

// Assign gives key the lowest free code, or returns the code it already
// holds.
func (p *Pool) Assign(key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if code, ok := p.byKey[key]; ok {
		return Format(code), nil
	}
	for code := p.low; code <= p.high; code++ {
		if p.reserved[code] {
			continue
		}
		if _, taken := p.owner[code]; taken {
			continue
		}
		p.owner[code] = key
		p.byKey[key] = code
		return Format(code), nil
	}
	return "", ErrPoolExhausted
}

// Allocate is Assign with exhaustion reported as ok == false.
func (p *Pool) Allocate(key string) (string, bool) {
	code, err := p.Assign(key)
	return code, err == nil
}

// Release returns key's code, if any, to the pool.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if code, ok := p.byKey[key]; ok {
		delete(p.byKey, key)
		delete(p.owner, code)
	}
}

// Lookup returns the code held by key.
func (p *Pool) Lookup(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	code, ok := p.byKey[key]
	if !ok {
		return "", false
	}
	return Format(code), true
}

// Assigned returns a copy of the current key to code assignments.
func (p *Pool) Assigned() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := make(map[string]string, len(p.byKey))
	for key, code := range p.byKey {
		m[key] = Format(code)
	}
	return m
}

// Free is the number of codes still available.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for code := p.low; code <= p.high; code++ {
		if !p.reserved[code] {
			n++
		}
	}
	return n - len(p.owner)
}

// Format renders a code as four octal digits.
func Format(code int) string {
	s := strconv.FormatInt(int64(code), 8)
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}

// IsEmergency reports whether code is a hijack, radio failure or general
// emergency code.
func IsEmergency(code string) bool {
	return emergency[code]
}

// Display picks the code shown for an aircraft: a reported emergency code
// first, then the assigned code, then whatever the transponder reports,
// and 0000 when nothing is known.
func Display(reported, assigned string) string {
	switch {
	case IsEmergency(reported):
		return reported
	case assigned != "":
		return assigned
	case reported != "":
		return reported
	default:
		return "0000"
	}
}
