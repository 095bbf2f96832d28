package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"gear-queue/internal/auth"
	"gear-queue/internal/models"
	"gear-queue/internal/repository"
	"gear-queue/internal/service"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
)

const (
	headerUserID    = "X-User-ID"
	headerSuperuser = "X-Superuser"
	headerDrone     = "X-Drone"
)

// subjectFromRequest reads the caller identity set by the authenticating proxy
func subjectFromRequest(r *http.Request) auth.Subject {
	superuser, _ := strconv.ParseBool(r.Header.Get(headerSuperuser))
	drone, _ := strconv.ParseBool(r.Header.Get(headerDrone))
	return auth.Subject{
		UID:       r.Header.Get(headerUserID),
		Superuser: superuser,
		Drone:     drone,
	}
}

// requireSubject rejects anonymous callers. Per-container checks happen in
// the services.
func requireSubject(w http.ResponseWriter, r *http.Request, logger *logrus.Entry) (auth.Subject, bool) {
	subject := subjectFromRequest(r)
	if subject.UID == "" && !subject.Privileged() {
		writeError(w, logger, "request rejected", fmt.Errorf("%w: anonymous caller", service.ErrPermissionDenied))
		return subject, false
	}
	return subject, true
}

// requirePrivileged admits only superusers and drones. Engine and catalog
// administration routes use it.
func requirePrivileged(w http.ResponseWriter, r *http.Request, logger *logrus.Entry) (auth.Subject, bool) {
	subject := subjectFromRequest(r)
	if !subject.Privileged() {
		writeError(w, logger, "request rejected", fmt.Errorf("%w: caller %q is not privileged", service.ErrPermissionDenied, subject.UID))
		return subject, false
	}
	return subject, true
}

func originFor(subject auth.Subject) models.Origin {
	if subject.Drone {
		return models.Origin{Type: models.OriginDevice, ID: subject.UID}
	}
	return models.Origin{Type: models.OriginUser, ID: subject.UID}
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrJobNotFound),
		errors.Is(err, service.ErrGearNotFound),
		errors.Is(err, service.ErrBatchNotFound),
		errors.Is(err, service.ErrRuleNotFound),
		errors.Is(err, service.ErrContainerNotFound),
		errors.Is(err, service.ErrFileNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotSaved),
		errors.Is(err, service.ErrRetryExists),
		errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrMixedContainerTypes),
		errors.Is(err, service.ErrUnsupportedMatch),
		errors.Is(err, service.ErrInvalidConfig),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInvalidGear),
		errors.Is(err, service.ErrNoInputs):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, logger *logrus.Entry, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithError(err).Error(msg)
	} else {
		logger.WithError(err).Debug(msg)
	}
	writeJSON(w, logger, status, map[string]string{"message": msg + ": " + err.Error()})
}

func writeJSON(w http.ResponseWriter, logger *logrus.Entry, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("error encoding response")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}
