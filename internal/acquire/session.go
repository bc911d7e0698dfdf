package acquire

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one outbound network identity: proxy, cookie jar and session key.
type Session struct {
	ID     string
	Proxy  *url.URL
	Client *http.Client
}

// SessionPool hands out a sticky session per identity and rotates it on demand.
type SessionPool struct {
	mu        sync.Mutex
	proxies   []*url.URL
	next      int
	sessions  map[string]*Session
	rotations map[string]int
	transport func(proxy *url.URL) http.RoundTripper
}

// NewSessionPool parses proxy URLs; an empty list means direct connections.
func NewSessionPool(proxies []string) (*SessionPool, error) {
	pool := &SessionPool{
		sessions:  make(map[string]*Session),
		rotations: make(map[string]int),
		transport: defaultTransport,
	}
	for _, raw := range proxies {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", raw, err)
		}
		pool.proxies = append(pool.proxies, u)
	}
	return pool, nil
}

// Current returns the sticky session for identity, creating it if needed.
func (p *SessionPool) Current(identity string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[identity]; ok {
		return s
	}
	s := p.newSessionLocked()
	p.sessions[identity] = s
	return s
}

// Rotate replaces the identity's session with a fresh proxy, jar and key.
func (p *SessionPool) Rotate(identity string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.newSessionLocked()
	p.sessions[identity] = s
	p.rotations[identity]++
	return s
}

// Rotations reports how many times identity has been rotated.
func (p *SessionPool) Rotations(identity string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotations[identity]
}

func (p *SessionPool) newSessionLocked() *Session {
	id := uuid.NewString()
	var proxy *url.URL
	if len(p.proxies) > 0 {
		base := p.proxies[p.next%len(p.proxies)]
		p.next++
		proxy = withSessionKey(base, id)
	}
	jar, _ := cookiejar.New(nil)
	return &Session{
		ID:    id,
		Proxy: proxy,
		Client: &http.Client{
			Transport: p.transport(proxy),
			Jar:       jar,
		},
	}
}

// Residential proxy providers pin the exit IP by a session suffix on the username.
func withSessionKey(base *url.URL, id string) *url.URL {
	u := *base
	if base.User == nil {
		return &u
	}
	user := base.User.Username() + "-session-" + id[:8]
	if pass, ok := base.User.Password(); ok {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}
	return &u
}

func defaultTransport(proxy *url.URL) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 4
	t.IdleConnTimeout = 90 * time.Second
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	} else {
		t.Proxy = nil
	}
	return t
}
