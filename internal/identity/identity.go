package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/model"
)

// AppNamespace scopes ids derived from platform-stable app identifiers.
var AppNamespace = uuid.MustParse("6f1c2a4e-8d3b-5e7a-9c41-2b8f0d6e3a17")

var ErrUnparseableHandle = errors.New("unparseable handle")

// HashHandle returns hex(SHA-256(handle)). The raw handle never leaves the
// device; only its hash is stored.
func HashHandle(handle []byte) string {
	hash := sha256.Sum256(handle)
	return hex.EncodeToString(hash[:])
}

// DeriveFromPlatformID maps a platform-stable identifier to the same
// LogicalAppID on every device.
func DeriveFromPlatformID(platformID string) model.LogicalAppID {
	return model.LogicalAppID(uuid.NewSHA1(AppNamespace, []byte(platformID)).String())
}

type Resolver struct {
	store    *db.Store
	deviceID string
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
}

func NewResolver(store *db.Store, deviceID string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		deviceID: deviceID,
		logger:   logger,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the LogicalAppID for a local handle. A non-empty platformID
// takes precedence and needs no lookup. displayName is recorded on new
// mappings but never used for matching.
//
// An empty handle yields a fresh, unpersisted id together with an error
// wrapping ErrUnparseableHandle; callers may keep using the id.
func (r *Resolver) Resolve(ctx context.Context, handle []byte, platformID, displayName string) (model.LogicalAppID, error) {
	if platformID = strings.TrimSpace(platformID); platformID != "" {
		return DeriveFromPlatformID(platformID), nil
	}
	if len(handle) == 0 {
		id := model.LogicalAppID(r.newID())
		return id, fmt.Errorf("resolve %q: %w", displayName, ErrUnparseableHandle)
	}

	hash := HashHandle(handle)
	existing, err := r.store.GetHandleMapping(ctx, r.deviceID, hash)
	if err == nil {
		return existing.LogicalAppID, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return "", fmt.Errorf("lookup handle mapping: %w", err)
	}

	minted := model.LogicalAppID(r.newID())
	err = r.store.InsertHandleMapping(ctx, model.HandleMapping{
		DeviceID:     r.deviceID,
		HandleHash:   hash,
		LogicalAppID: minted,
		DisplayName:  displayName,
		CreatedAt:    r.now(),
	})
	switch {
	case err == nil:
		r.logger.Debug("minted logical app id", "logical_app_id", minted, "display_name", displayName)
		return minted, nil
	case errors.Is(err, db.ErrDuplicate):
		// Lost a race with a concurrent first sighting.
		existing, err := r.store.GetHandleMapping(ctx, r.deviceID, hash)
		if err != nil {
			return "", fmt.Errorf("reread handle mapping: %w", err)
		}
		return existing.LogicalAppID, nil
	default:
		return "", fmt.Errorf("persist handle mapping: %w", err)
	}
}
