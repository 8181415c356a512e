package profile

import (
	"context"
	"errors"
	"sync"

	"gowa-session/internal/store"

	"go.uber.org/zap"
)

// KeyCurrentProfile is where the active profile id is remembered between runs.
const KeyCurrentProfile = "current_profile"

var ErrUnknownProfile = errors.New("profile: unknown client id")

// Profile is one paired WhatsApp account of the subscription.
type Profile struct {
	ClientID        string         `json:"client_id"`
	Phone           string         `json:"phone"`
	Name            string         `json:"name"`
	UserType        string         `json:"userType"`
	BusinessDetails map[string]any `json:"business_details,omitempty"`
}

// Listing is what the backend returns for the profile list call.
type Listing struct {
	Profiles       []Profile `json:"profiles"`
	MaxProfiles    int       `json:"max_profiles"`
	CurrentProfile string    `json:"current_profile"`
}

// Source is the backend side of the directory.
type Source interface {
	ListProfiles(ctx context.Context, clientID string) (Listing, error)
	RemoveProfile(ctx context.Context, clientID, target string) error
}

// Directory caches the profile list. It is replaced wholesale on Refresh and
// only mutated locally by SetProfiles, SetCurrentProfile and RemoveProfile.
type Directory struct {
	src      Source
	clientID func() string
	store    store.Store

	mu          sync.RWMutex
	profiles    []Profile
	maxProfiles int
	current     string
	currentType string
}

// NewDirectory builds an empty directory. clientID supplies the id sent with
// backend calls; st may be nil, in which case the active profile is not
// remembered.
func NewDirectory(src Source, clientID func() string, st store.Store) *Directory {
	return &Directory{src: src, clientID: clientID, store: st}
}

// Refresh fetches the list from the backend and replaces the cache. The
// active profile is the backend's choice, else the remembered one if it is
// still listed, else the first profile.
func (d *Directory) Refresh(ctx context.Context) error {
	listing, err := d.src.ListProfiles(ctx, d.clientID())
	if err != nil {
		return err
	}

	current := listing.CurrentProfile
	if current == "" && d.store != nil {
		if saved, err := d.store.Get(KeyCurrentProfile); err == nil && indexOf(listing.Profiles, saved) >= 0 {
			current = saved
		}
	}
	if current == "" && len(listing.Profiles) > 0 {
		current = listing.Profiles[0].ClientID
	}

	d.mu.Lock()
	d.maxProfiles = listing.MaxProfiles
	d.profiles = append([]Profile(nil), listing.Profiles...)
	d.current = current
	d.recomputeLocked()
	d.mu.Unlock()

	zap.L().Debug("profile: directory refreshed",
		zap.Int("count", len(listing.Profiles)),
		zap.Int("max_profiles", listing.MaxProfiles),
		zap.String("current_profile", current))
	return nil
}

// Remove deletes target on the backend and then drops it locally.
func (d *Directory) Remove(ctx context.Context, target string) error {
	if err := d.src.RemoveProfile(ctx, d.clientID(), target); err != nil {
		return err
	}
	d.RemoveProfile(target)
	return nil
}

func (d *Directory) SetProfiles(profiles []Profile) {
	d.mu.Lock()
	d.profiles = append([]Profile(nil), profiles...)
	d.recomputeLocked()
	d.mu.Unlock()
}

// SetCurrentProfile makes id the active profile. Unknown ids are rejected.
func (d *Directory) SetCurrentProfile(id string) error {
	d.mu.Lock()
	if id != "" && indexOf(d.profiles, id) < 0 {
		d.mu.Unlock()
		return ErrUnknownProfile
	}
	d.current = id
	d.recomputeLocked()
	d.mu.Unlock()

	d.persist(id)
	return nil
}

// RemoveProfile drops id from the cache. Removing the active profile moves
// the selection to the first remaining profile, or to "" when none remain.
func (d *Directory) RemoveProfile(id string) {
	d.mu.Lock()
	i := indexOf(d.profiles, id)
	if i < 0 {
		d.mu.Unlock()
		return
	}
	d.profiles = append(d.profiles[:i:i], d.profiles[i+1:]...)

	changed := false
	if d.current == id {
		d.current = ""
		if len(d.profiles) > 0 {
			d.current = d.profiles[0].ClientID
		}
		changed = true
	}
	d.recomputeLocked()
	current := d.current
	d.mu.Unlock()

	if changed {
		d.persist(current)
	}
}

// Reset forgets everything, used when the primary session logs out.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.profiles = nil
	d.maxProfiles = 0
	d.current = ""
	d.currentType = ""
	d.mu.Unlock()
}

func (d *Directory) Profiles() []Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Profile(nil), d.profiles...)
}

func (d *Directory) CurrentProfile() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

func (d *Directory) CurrentProfileType() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentType
}

func (d *Directory) MaxProfiles() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxProfiles
}

// CanAddProfile reports whether another profile fits. An unknown limit (0)
// leaves the decision to the backend.
func (d *Directory) CanAddProfile() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxProfiles == 0 || len(d.profiles) < d.maxProfiles
}

func (d *Directory) recomputeLocked() {
	d.currentType = ""
	if i := indexOf(d.profiles, d.current); i >= 0 {
		d.currentType = d.profiles[i].UserType
	}
}

func (d *Directory) persist(id string) {
	if d.store == nil {
		return
	}
	var err error
	if id == "" {
		err = d.store.Delete(KeyCurrentProfile)
	} else {
		err = d.store.Set(KeyCurrentProfile, id)
	}
	if err != nil {
		zap.L().Warn("profile: failed to persist current profile", zap.Error(err), zap.String("client_id", id))
	}
}

func indexOf(profiles []Profile, id string) int {
	if id == "" {
		return -1
	}
	for i, p := range profiles {
		if p.ClientID == id {
			return i
		}
	}
	return -1
}
