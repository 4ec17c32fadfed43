package checkin

import (
	"context"
	"errors"
	"fmt"

	"qms/orchestrator/internal/metrics"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// PositionSource reads the device position. It may block until ctx ends.
type PositionSource interface {
	Position(ctx context.Context) (models.Coordinates, error)
}

// PositionFunc adapts a function to PositionSource.
type PositionFunc func(ctx context.Context) (models.Coordinates, error)

func (f PositionFunc) Position(ctx context.Context) (models.Coordinates, error) { return f(ctx) }

// Fixed is a position already known to the caller.
func Fixed(c models.Coordinates) PositionSource {
	return PositionFunc(func(context.Context) (models.Coordinates, error) { return c, nil })
}

var errNoPosition = errors.New("position unavailable")

type VerifyRequest struct {
	Position PositionSource
	Network  *Network
}

type VerifyResult struct {
	Checkin  models.CheckinEntry       `json:"checkin"`
	Verified bool                      `json:"verified"`
	Method   models.VerificationMethod `json:"method"`
	// Distance is set when a position was read.
	Distance *float64 `json:"distance_meters,omitempty"`
	// Failure lists why every automated method failed; the check-in then
	// waits for staff confirmation.
	Failure *store.VerificationError `json:"-"`
}

// VerifyLocation reports whether coordinates fall inside a location's
// geofence, and the distance to it.
func (m *Manager) VerifyLocation(locationID string, coords models.Coordinates) (bool, float64, error) {
	location, err := m.location(locationID)
	if err != nil {
		return false, 0, err
	}
	d := Distance(coords.Latitude, coords.Longitude, location.Latitude, location.Longitude)
	return d <= m.radius(location), d, nil
}

// Verify establishes presence by geolocation, then known network, and
// otherwise leaves the check-in for manual confirmation.
func (m *Manager) Verify(ctx context.Context, id string, req VerifyRequest) (result VerifyResult, outcome store.Outcome, err error) {
	ctx, span := m.tracer.Start(ctx, "checkin.verify")
	span.SetAttributes(attribute.String("checkin_id", id))
	defer func() {
		span.SetAttributes(attribute.String("method", string(result.Method)), attribute.Bool("verified", result.Verified))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	current, ok := m.Get(id)
	if !ok {
		return VerifyResult{}, store.Outcome{}, &store.NotFoundError{Kind: "checkin", ID: id}
	}
	if current.Status == models.CheckinPresent {
		return VerifyResult{Checkin: current, Verified: true, Method: current.VerificationMethod}, store.Outcome{Committed: m.writer != nil}, nil
	}
	if current.Status != models.CheckinEnRoute {
		return VerifyResult{}, store.Outcome{}, &store.InvalidTransitionError{ID: id, From: string(current.Status), To: string(models.CheckinPresent)}
	}
	location, err := m.location(current.LocationID)
	if err != nil {
		return VerifyResult{}, store.Outcome{}, err
	}

	var reasons []string
	var coords *models.Coordinates
	if req.Position != nil {
		c, perr := m.readPosition(ctx, req.Position)
		if perr == nil {
			coords = &c
			d := Distance(c.Latitude, c.Longitude, location.Latitude, location.Longitude)
			result.Distance = &d
			if d <= m.radius(location) {
				result.Method = models.VerifyGeolocation
			} else {
				reasons = append(reasons, fmt.Sprintf("geolocation: %.0fm from location, outside %.0fm radius", d, m.radius(location)))
			}
		} else {
			reasons = append(reasons, "geolocation: "+perr.Error())
		}
		metrics.Verification(string(models.VerifyGeolocation), result.Method == models.VerifyGeolocation)
	} else {
		reasons = append(reasons, "geolocation: "+errNoPosition.Error())
	}

	if result.Method == "" {
		if req.Network != nil && onKnownNetwork(location, *req.Network) {
			result.Method = models.VerifyWiFi
		} else {
			reasons = append(reasons, "network: device is not on a known network")
		}
		metrics.Verification(string(models.VerifyWiFi), result.Method == models.VerifyWiFi)
	}

	if result.Method == "" {
		result.Method = models.VerifyManual
		result.Failure = &store.VerificationError{CheckinID: id, Reasons: reasons}
		m.logger.Info("check-in awaiting manual confirmation", zap.String("checkin_id", id), zap.Strings("reasons", reasons))
		result.Checkin, outcome, err = m.update(ctx, id, func(c *models.CheckinEntry) (map[string]any, error) {
			if c.VerificationMethod == models.VerifyManual && coords == nil {
				return nil, nil
			}
			c.VerificationMethod = models.VerifyManual
			if coords != nil {
				c.Coordinates = coords
			}
			return map[string]any{"verification_method": models.VerifyManual}, nil
		})
		return result, outcome, err
	}

	result.Verified = true
	result.Checkin, outcome, err = m.update(ctx, id, func(c *models.CheckinEntry) (map[string]any, error) {
		if coords != nil {
			c.Coordinates = coords
		}
		return m.markPresent(c, result.Method)
	})
	if err != nil {
		return VerifyResult{}, store.Outcome{}, err
	}
	m.logger.Info("check-in verified", zap.String("checkin_id", id), zap.String("method", string(result.Method)))
	return result, outcome, nil
}

// readPosition bounds the position read by the verify timeout.
func (m *Manager) readPosition(ctx context.Context, src PositionSource) (models.Coordinates, error) {
	ctx, cancel := context.WithTimeout(ctx, m.verifyTimeout)
	defer cancel()

	type reading struct {
		coords models.Coordinates
		err    error
	}
	ch := make(chan reading, 1)
	go func() {
		c, err := src.Position(ctx)
		ch <- reading{coords: c, err: err}
	}()
	select {
	case r := <-ch:
		return r.coords, r.err
	case <-ctx.Done():
		return models.Coordinates{}, fmt.Errorf("timed out after %s: %w", m.verifyTimeout, ctx.Err())
	}
}

func (m *Manager) location(id string) (models.Location, error) {
	if m.locations == nil {
		return models.Location{}, &store.NotFoundError{Kind: "location", ID: id}
	}
	location, ok := m.locations.Location(id)
	if !ok {
		return models.Location{}, &store.NotFoundError{Kind: "location", ID: id}
	}
	return location, nil
}

func (m *Manager) radius(location models.Location) float64 {
	if location.GeofenceRadiusMeters > 0 {
		return location.GeofenceRadiusMeters
	}
	return m.defaultRadius
}
