package devserver

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"gowa-session/internal/api"
	mw "gowa-session/internal/middleware"
	"gowa-session/internal/profile"
)

// callerLocked resolves the client-id header. sess is nil for unknown ids;
// invalid reports a session dropped with Invalidate.
func (s *Server) callerLocked(c echo.Context) (sess *session, invalid bool) {
	sess, ok := s.sessions[mw.ClientID(c)]
	if !ok {
		return nil, false
	}
	return sess, sess.invalid
}

func invalidated(c echo.Context) error {
	return ErrorResponse(c, http.StatusUnauthorized, "Session has been invalidated", api.CodeSessionInvalidated, "Please pair again")
}

// GET /api/whatsapp/validate
func (s *Server) validate(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, invalid := s.callerLocked(c)
	if invalid {
		return invalidated(c)
	}
	ready := sess != nil && sess.paired
	return SuccessResponse(c, http.StatusOK, "Session validated", map[string]interface{}{
		"ready": ready,
	})
}

// POST /api/whatsapp/logout
func (s *Server) logout(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, invalid := s.callerLocked(c)
	if invalid {
		return invalidated(c)
	}
	if sess == nil {
		return ErrorResponse(c, http.StatusNotFound, "Session not found", api.CodeSessionNotFound, "")
	}

	if sess.account == sess.id {
		// the account goes with its primary profile
		for _, member := range append([]string(nil), s.accounts[sess.account]...) {
			if member != sess.id {
				s.dropLocked(member, "account logged out")
			}
		}
	}
	s.dropLocked(sess.id, "logout")
	s.log.Info("devserver: logged out", zap.String("client_id", sess.id))
	return SuccessResponse(c, http.StatusOK, "Logged out", nil)
}

// POST /api/whatsapp/profiles/allocate
func (s *Server) allocateProfile(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, invalid := s.callerLocked(c)
	if invalid {
		return invalidated(c)
	}
	if sess == nil || !sess.paired {
		return ErrorResponse(c, http.StatusNotFound, "Session not found", api.CodeSessionNotFound, "Pair the primary profile first")
	}

	members := s.accounts[sess.account]
	if s.cfg.MaxProfiles > 0 && len(members) >= s.cfg.MaxProfiles {
		return ErrorResponse(c, http.StatusForbidden, "Cannot add more profiles", api.CodeProfileLimit, "")
	}

	id := uuid.NewString()
	s.sessions[id] = &session{id: id, account: sess.account}
	s.log.Info("devserver: client id allocated", zap.String("client_id", id), zap.String("account", sess.account))
	return SuccessResponse(c, http.StatusCreated, "Client id allocated", map[string]interface{}{
		"client_id": id,
	})
}

// GET /api/whatsapp/profiles
func (s *Server) listProfiles(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, invalid := s.callerLocked(c)
	if invalid {
		return invalidated(c)
	}
	if sess == nil || !sess.paired {
		return ErrorResponse(c, http.StatusNotFound, "Session not found", api.CodeSessionNotFound, "")
	}

	members := s.accounts[sess.account]
	profiles := make([]profile.Profile, 0, len(members))
	for _, id := range members {
		m := s.sessions[id]
		if m == nil {
			continue
		}
		profiles = append(profiles, profile.Profile{
			ClientID:        m.id,
			Phone:           m.phone,
			Name:            m.name,
			UserType:        m.userType,
			BusinessDetails: m.business,
		})
	}
	// the backend does not track the active profile; clients keep their own
	return SuccessResponse(c, http.StatusOK, "Profiles", profile.Listing{
		Profiles:    profiles,
		MaxProfiles: s.cfg.MaxProfiles,
	})
}

// DELETE /api/whatsapp/profiles/:clientId
func (s *Server) removeProfile(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, invalid := s.callerLocked(c)
	if invalid {
		return invalidated(c)
	}
	if sess == nil || !sess.paired {
		return ErrorResponse(c, http.StatusNotFound, "Session not found", api.CodeSessionNotFound, "")
	}

	target := c.Param("clientId")
	t, ok := s.sessions[target]
	if !ok || t.account != sess.account {
		return ErrorResponse(c, http.StatusNotFound, "Profile not found", api.CodeSessionNotFound, "")
	}
	if target == sess.account {
		return ErrorResponse(c, http.StatusBadRequest, "The primary profile cannot be removed", api.CodeBadRequest, "Log out instead")
	}

	s.dropLocked(target, "profile removed")
	return SuccessResponse(c, http.StatusOK, "Profile removed", nil)
}
