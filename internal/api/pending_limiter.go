package api

import (
	"sync"
	"time"
)

// PendingSessionLimiter caps how many distinct unpaid client sessions one IP
// address can upload into. Uploading more photos into a session the IP
// already tracks is always allowed.
type PendingSessionLimiter struct {
	mu          sync.RWMutex
	maxPending  int
	pendingByIP map[string]map[string]time.Time // IP -> clientID -> last upload
	clientIPs   map[string]map[string]bool      // clientID -> IPs (reverse lookup)
}

// NewPendingSessionLimiter creates a limiter allowing maxPending unpaid
// sessions per IP.
func NewPendingSessionLimiter(maxPending int) *PendingSessionLimiter {
	return &PendingSessionLimiter{
		maxPending:  maxPending,
		pendingByIP: make(map[string]map[string]time.Time),
		clientIPs:   make(map[string]map[string]bool),
	}
}

// CanUpload reports whether ip may upload into clientID's session.
func (l *PendingSessionLimiter) CanUpload(ip, clientID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sessions := l.pendingByIP[ip]
	if _, ok := sessions[clientID]; ok {
		return true
	}
	return len(sessions) < l.maxPending
}

// PendingCount returns the number of unpaid sessions tracked for an IP.
func (l *PendingSessionLimiter) PendingCount(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByIP[ip])
}

// MaxPending returns the configured maximum pending sessions per IP.
func (l *PendingSessionLimiter) MaxPending() int {
	return l.maxPending
}

// TrackPendingSession records an upload into an unpaid session.
func (l *PendingSessionLimiter) TrackPendingSession(ip, clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingByIP[ip] == nil {
		l.pendingByIP[ip] = make(map[string]time.Time)
	}
	l.pendingByIP[ip][clientID] = time.Now()

	if l.clientIPs[clientID] == nil {
		l.clientIPs[clientID] = make(map[string]bool)
	}
	l.clientIPs[clientID][ip] = true
}

// OnPaymentReceived stops tracking a session once it is paid. It has the
// payments.PaymentCallback signature.
func (l *PendingSessionLimiter) OnPaymentReceived(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ips, ok := l.clientIPs[clientID]
	if !ok {
		return
	}
	delete(l.clientIPs, clientID)

	for ip := range ips {
		if sessions := l.pendingByIP[ip]; sessions != nil {
			delete(sessions, clientID)
			if len(sessions) == 0 {
				delete(l.pendingByIP, ip)
			}
		}
	}
}

// CleanupExpired forgets sessions with no upload for maxAge and returns the
// number of entries removed.
func (l *PendingSessionLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for ip, sessions := range l.pendingByIP {
		for clientID, trackedAt := range sessions {
			if trackedAt.Before(cutoff) {
				delete(sessions, clientID)
				if ips := l.clientIPs[clientID]; ips != nil {
					delete(ips, ip)
					if len(ips) == 0 {
						delete(l.clientIPs, clientID)
					}
				}
				removed++
			}
		}
		if len(sessions) == 0 {
			delete(l.pendingByIP, ip)
		}
	}

	return removed
}
