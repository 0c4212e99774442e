// Package session tracks per-connection identity: the Connected to
// Authenticated transition, the resolved role and the single board a
// connection is joined to.
package session

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"prism-sync/domain"
)

var pseudoPattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

// State is the authentication state of a connection.
type State int

const (
	Connected State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "connected"
}

// Session is a snapshot of one connection's state.
type Session struct {
	ConnID  string
	State   State
	Pseudo  string
	Role    domain.Role
	BoardID string
	Token   string
}

// InRoom reports whether the session is joined to a board.
func (s Session) InRoom() bool { return s.BoardID != "" }

// Identity is the outcome of a successful identify.
type Identity struct {
	Pseudo string
	Role   domain.Role
	Token  string
	Minted bool
}

// Options configures identity checks.
type Options struct {
	MinPseudoLength        int
	MaxPseudoLength        int
	RoleFromCredentialOnly bool
}

// Registry maps connection ids to sessions. Entries are removed explicitly
// by Close on every disconnect path.
type Registry struct {
	opts   Options
	tokens *Tokens

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(tokens *Tokens, opts Options) *Registry {
	return &Registry{opts: opts, tokens: tokens, sessions: make(map[string]*Session)}
}

// Open registers a new unauthenticated session.
func (r *Registry) Open(connID string) {
	r.mu.Lock()
	r.sessions[connID] = &Session{ConnID: connID, State: Connected}
	r.mu.Unlock()
}

// Get returns a copy of the session.
func (r *Registry) Get(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ValidatePseudo trims and checks a display name.
func (r *Registry) ValidatePseudo(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(p)
	if n < r.opts.MinPseudoLength || n > r.opts.MaxPseudoLength {
		return "", fmt.Errorf("pseudo length %d outside [%d,%d]: %w", n, r.opts.MinPseudoLength, r.opts.MaxPseudoLength, domain.ErrInvalidIdentity)
	}
	if !pseudoPattern.MatchString(p) {
		return "", fmt.Errorf("pseudo has invalid characters: %w", domain.ErrInvalidIdentity)
	}
	return p, nil
}

// Identify authenticates the session. On any error the session keeps its
// previous state.
func (r *Registry) Identify(connID, rawPseudo, token string, role domain.Role) (Identity, error) {
	pseudo, err := r.ValidatePseudo(rawPseudo)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{Pseudo: pseudo, Token: token}
	var credRole domain.Role
	if token != "" {
		credRole, err = r.tokens.Resolve(token, pseudo)
		if err != nil {
			return Identity{}, err
		}
	} else {
		id.Token, err = r.tokens.Mint(pseudo)
		if err != nil {
			return Identity{}, err
		}
		id.Minted = true
		credRole = domain.RoleUser
	}

	id.Role = credRole
	if role.Valid() && !r.opts.RoleFromCredentialOnly {
		id.Role = role
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return Identity{}, fmt.Errorf("session %s is closed", connID)
	}
	s.State = Authenticated
	s.Pseudo = id.Pseudo
	s.Role = id.Role
	s.Token = id.Token
	return id, nil
}

// SetBoard records the joined board and returns the previous one.
func (r *Registry) SetBoard(connID, boardID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return "", false
	}
	prev := s.BoardID
	s.BoardID = boardID
	return prev, true
}

// Close removes the session and returns its last state. It is idempotent.
func (r *Registry) Close(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, connID)
	return *s, true
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
