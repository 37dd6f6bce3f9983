// Package registry maintains the process-wide mapping from room token
// to orchestrator, and is the entry point the HTTP control plane and
// the memory watchdog both drive.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/livetranscription/internal/config"
	"example.com/livetranscription/internal/errs"
	"example.com/livetranscription/internal/langs"
	"example.com/livetranscription/internal/room"
	"example.com/livetranscription/internal/sttsession"
	"example.com/livetranscription/internal/subscriber"
)

// Status describes one room for the /rooms status endpoint.
type Status struct {
	RoomToken  string `json:"room_token"`
	State      string `json:"state"`
	LangID     string `json:"lang_id"`
	Recipients int    `json:"recipients"`
}

// Registry owns every live orchestrator.
type Registry struct {
	cfg config.Config
	log *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*entry
}

type entry struct {
	orch       *room.Orchestrator
	recipients map[string]struct{}
	mu         sync.Mutex
}

// New builds an empty registry bound to the given configuration.
func New(cfg config.Config, log *zap.Logger) *Registry {
	return &Registry{
		cfg:   cfg,
		log:   log,
		rooms: make(map[string]*entry),
	}
}

// Enable ensures an orchestrator exists for roomToken and registers
// ncSessionID as a recipient, connecting to the HPB on first enable.
func (r *Registry) Enable(ctx context.Context, roomToken, ncSessionID, language string) error {
	if err := langs.Validate(language); err != nil {
		return err
	}

	r.mu.Lock()
	e, exists := r.rooms[roomToken]
	if !exists {
		log := r.log.With(zap.String("room_token", roomToken))
		orch := room.New(room.Config{
			RoomToken:      roomToken,
			HPBURL:         r.cfg.HPBURL,
			InternalSecret: r.cfg.HPBInternalSecret,
			NextcloudURL:   r.cfg.NextcloudURL,
			SkipCertVerify: r.cfg.SkipCertVerify,
			ICEServers:     []subscriber.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			STT: sttsession.Config{
				Workspace:      r.cfg.STTWorkspace,
				Key:            r.cfg.STTKey,
				Secret:         r.cfg.STTSecret,
				HostSuffix:     r.cfg.STTHostSuffix,
				ConnectTimeout: r.cfg.ModalConnectTimeout,
			},
			LeaveGrace:        r.cfg.CallLeaveTimeout,
			TranscriptTimeout: 10 * time.Second,
			StaleTimeout:      r.cfg.StaleTimeout,
			MaxRetries:        r.cfg.MaxConnectionRetries,
			BackoffBase:       r.cfg.RetryBackoffBase,
		}, language, log, r.onRoomClosed)

		e = &entry{orch: orch, recipients: make(map[string]struct{})}
		r.rooms[roomToken] = e
	}
	r.mu.Unlock()

	if err := e.orch.Start(ctx, ncSessionID); err != nil {
		r.mu.Lock()
		delete(r.rooms, roomToken)
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", errs.ErrProviderUnavailable, err)
	}

	e.mu.Lock()
	e.recipients[ncSessionID] = struct{}{}
	e.mu.Unlock()

	return nil
}

// Disable removes a recipient; the room's own deferred-close logic
// decides whether to tear down.
func (r *Registry) Disable(roomToken, ncSessionID string) error {
	e, ok := r.get(roomToken)
	if !ok {
		return errs.ErrNotFound
	}
	e.orch.Stop(ncSessionID)
	e.mu.Lock()
	delete(e.recipients, ncSessionID)
	e.mu.Unlock()
	return nil
}

// SetLanguage updates the language for every pipeline in the room.
func (r *Registry) SetLanguage(roomToken, language string) error {
	if err := langs.Validate(language); err != nil {
		return err
	}
	e, ok := r.get(roomToken)
	if !ok {
		return errs.ErrNotFound
	}
	e.orch.SetLanguage(language)
	return nil
}

// Leave immediately tears the room's orchestrator down.
func (r *Registry) Leave(roomToken string) error {
	e, ok := r.get(roomToken)
	if !ok {
		return errs.ErrNotFound
	}
	e.orch.Close(nil)
	return nil
}

// Status lists every currently-tracked room.
func (r *Registry) Status() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.rooms))
	for token, e := range r.rooms {
		e.mu.Lock()
		n := len(e.recipients)
		e.mu.Unlock()
		out = append(out, Status{
			RoomToken:  token,
			State:      e.orch.State().String(),
			LangID:     e.orch.LangID(),
			Recipients: n,
		})
	}
	return out
}

// LeastActive returns the room token whose orchestrator has been idle
// longest, for the memory watchdog to shed under pressure.
func (r *Registry) LeastActive() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		oldestToken string
		oldestTime  time.Time
		found       bool
	)
	for token, e := range r.rooms {
		last := e.orch.LastActive()
		if !found || last.Before(oldestTime) {
			oldestToken = token
			oldestTime = last
			found = true
		}
	}
	return oldestToken, found
}

// Shutdown closes every room; used on process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	rooms := make([]*entry, 0, len(r.rooms))
	for _, e := range r.rooms {
		rooms = append(rooms, e)
	}
	r.mu.Unlock()

	for _, e := range rooms {
		e.orch.Close(fmt.Errorf("shutdown"))
	}
}

func (r *Registry) get(roomToken string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[roomToken]
	return e, ok
}

func (r *Registry) onRoomClosed(roomToken string) {
	r.mu.Lock()
	delete(r.rooms, roomToken)
	r.mu.Unlock()
	r.log.Info("registry: room closed", zap.String("room_token", roomToken))
}
