package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/store"
)

type SessionData struct {
	IP            string     `json:"ip,omitempty"              redis:"ip"`             // client ip address
	UserID        uint       `json:"user_id,omitempty"         redis:"user_id"`        // user id
	Username      string     `json:"username,omitempty"        redis:"username"`       // username snapshot
	Role          string     `json:"role,omitempty"            redis:"role"`           // role at login time
	LastSeen      time.Time  `json:"last_seen,omitempty"       redis:"last_seen"`      // last request time
	LoginTime     time.Time  `json:"login_time,omitempty"      redis:"login_time"`     // last login time
	MFARequired   bool       `json:"mfa_required,omitempty"    redis:"mfa_required"`   // login pending a second factor
	MFAVerifiedAt time.Time  `json:"mfa_verified_at,omitempty" redis:"mfa_verified_at"` // second factor success time
	ExpireTime    time.Time  `json:"expire_time,omitempty"     redis:"expire_time"`    // session expire time
}

func (s *SessionData) IsLoggedIn() bool {
	return s.UserID != 0
}

func (s *SessionData) IsMFAPending() bool {
	return s.UserID != 0 && s.MFARequired
}

func (s *SessionData) IsAuthenticated() bool {
	return s.UserID != 0 && !s.MFARequired
}

type Session struct {
	SessionData               // basic session info
	id          string        // session id
	storage     store.Storage // storage backend
	fresh       bool          // is session newly created
}

func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		slog.Error("Could not generate session id", "error", err)
		return ""
	}
	return hex.EncodeToString(b)
}

func newSession(storage store.Storage) *Session {
	return &Session{
		id:      generateSessionID(),
		storage: storage,
		fresh:   true,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) IsFresh() bool {
	return s.fresh
}

func (s *Session) SetField(ctx context.Context, field string, val any) error {
	return s.storage.SetAttr(ctx, s.id, field, val)
}

func (s *Session) GetField(ctx context.Context, field string, val any) error {
	return s.storage.GetAttr(ctx, s.id, field, val)
}

func (s *Session) IncrField(ctx context.Context, field string, delta int64) (int64, error) {
	return s.storage.IncrAttrEx(ctx, s.id, field, delta, 0)
}

func (s *Session) DeleteField(ctx context.Context, field string) error {
	return s.storage.DelAttr(ctx, s.id, field)
}

func (s *Session) Reset(ctx context.Context, data SessionData) error {
	if err := s.storage.Delete(ctx, s.id); err != nil {
		if err != store.ErrNotFound {
			return err
		}
	}

	s.id = generateSessionID()
	s.SessionData = data
	s.fresh = true
	return nil
}
