package services

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/do"

	"tonbridge/internal/models"
	"tonbridge/internal/transport"
)

type ResolutionKind int

const (
	ResolutionApproved ResolutionKind = iota
	ResolutionRejected
	ResolutionClosed
)

// Resolution is the single terminal outcome of one notification.
type Resolution struct {
	Kind    ResolutionKind
	Payload json.RawMessage
}

// UIPusher is the slice of the port hub the notification channel needs.
type UIPusher interface {
	PushToUI(msg models.Message) int
	UIAttached() bool
}

// PopupHandle is one interested holder of the shared approval popup.
type PopupHandle struct {
	id string
}

// PopupManager enforces the one-popup invariant: the window opens on the
// first acquire, later acquires merely focus it, and it closes only when
// the last holder releases.
type PopupManager struct {
	ui UIPusher

	mu      sync.Mutex
	holders map[string]string
}

func NewPopupManager(ui UIPusher) *PopupManager {
	return &PopupManager{ui: ui, holders: map[string]string{}}
}

func (m *PopupManager) Acquire(reason string) *PopupHandle {
	m.mu.Lock()
	first := len(m.holders) == 0
	h := &PopupHandle{id: uuid.NewString()}
	m.holders[h.id] = reason
	m.mu.Unlock()

	// holders without an attached UI means the popup died without
	// reporting popupClosed; reopen instead of focusing a ghost
	if first || !m.ui.UIAttached() {
		m.ui.PushToUI(models.Message{Method: models.MethodOpenPopup})
	} else {
		m.ui.PushToUI(models.Message{Method: models.MethodFocusPopup})
	}
	return h
}

// Release is idempotent per handle.
func (m *PopupManager) Release(h *PopupHandle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	_, held := m.holders[h.id]
	delete(m.holders, h.id)
	last := held && len(m.holders) == 0
	m.mu.Unlock()

	if last {
		m.ui.PushToUI(models.Message{Method: models.MethodClosePopup})
	}
}

func (m *PopupManager) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holders) > 0
}

type pendingNotification struct {
	data     *models.NotificationData
	ch       chan Resolution
	handle   *PopupHandle
	resolved bool
}

// ServiceNotifications is the queue between the router and the approval
// UI. Only the head is ever surfaced; later notifications wait in FIFO
// order. A second approval-requiring request from an origin that already
// has one pending is refused outright.
type ServiceNotifications struct {
	ui    UIPusher
	popup *PopupManager

	mu    sync.Mutex
	queue []*pendingNotification
}

func NewServiceNotifications(container *do.Injector) (*ServiceNotifications, error) {
	hub, err := do.Invoke[*transport.Hub](container)
	if err != nil {
		return nil, err
	}
	return NewNotificationsWithUI(hub), nil
}

func NewNotificationsWithUI(ui UIPusher) *ServiceNotifications {
	return &ServiceNotifications{ui: ui, popup: NewPopupManager(ui)}
}

func (service *ServiceNotifications) Popup() *PopupManager {
	return service.popup
}

// Enqueue adds a notification and returns the channel its single terminal
// resolution arrives on.
func (service *ServiceNotifications) Enqueue(n *models.NotificationData) (<-chan Resolution, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	service.mu.Lock()
	for _, pn := range service.queue {
		if pn.data.Origin == n.Origin && !pn.resolved {
			service.mu.Unlock()
			return nil, models.ErrBadRequest("a request for this origin is already pending")
		}
	}

	pn := &pendingNotification{data: n, ch: make(chan Resolution, 1)}
	service.queue = append(service.queue, pn)
	head := len(service.queue) == 1
	service.mu.Unlock()

	h := service.popup.Acquire(n.Kind + ":" + n.ID)

	// the queue entry is visible to Resolve/PopupClosed from the moment
	// the lock above dropped; if one of them drained pn while the open
	// push was in flight, its handle was still nil there and the holder
	// must be released here or the popup never closes
	service.mu.Lock()
	if pn.resolved {
		service.mu.Unlock()
		service.popup.Release(h)
		return pn.ch, nil
	}
	pn.handle = h
	service.mu.Unlock()

	if head {
		service.surface(n)
	}
	return pn.ch, nil
}

// Current returns the surfaced notification, or nil. The queue itself is
// never exposed to the UI.
func (service *ServiceNotifications) Current() *models.NotificationData {
	service.mu.Lock()
	defer service.mu.Unlock()
	if len(service.queue) == 0 {
		return nil
	}
	return service.queue[0].data
}

// Resolve terminates the notification exactly once. Returns false for an
// unknown or already-resolved id; the late resolution is dropped.
func (service *ServiceNotifications) Resolve(id string, res Resolution) bool {
	service.mu.Lock()
	var pn *pendingNotification
	idx := -1
	for i, cand := range service.queue {
		if cand.data.ID == id {
			pn, idx = cand, i
			break
		}
	}
	if pn == nil || pn.resolved {
		service.mu.Unlock()
		return false
	}
	pn.resolved = true
	handle := pn.handle
	service.queue = append(service.queue[:idx], service.queue[idx+1:]...)
	var next *models.NotificationData
	if idx == 0 && len(service.queue) > 0 {
		next = service.queue[0].data
	}
	service.mu.Unlock()

	pn.ch <- res
	service.popup.Release(handle)
	if next != nil {
		service.surface(next)
	}
	return true
}

// PopupClosed handles the user dismissing the window: every queued
// notification terminates as Closed, since the surface they were waiting
// for is gone.
func (service *ServiceNotifications) PopupClosed() {
	service.mu.Lock()
	drained := make([]*pendingNotification, 0, len(service.queue))
	handles := make([]*PopupHandle, 0, len(service.queue))
	for _, pn := range service.queue {
		if pn.resolved {
			continue
		}
		pn.resolved = true
		drained = append(drained, pn)
		handles = append(handles, pn.handle)
	}
	service.queue = nil
	service.mu.Unlock()

	for i, pn := range drained {
		pn.ch <- Resolution{Kind: ResolutionClosed}
		service.popup.Release(handles[i])
	}
}

func (service *ServiceNotifications) surface(n *models.NotificationData) {
	raw, err := json.Marshal(n)
	if err != nil {
		return
	}
	service.ui.PushToUI(models.Message{Method: models.MethodShowNotification, Params: raw})
}
