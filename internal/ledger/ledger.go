package ledger

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/metal-toolbox/bootsmith/internal/metrics"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/metal-toolbox/bootsmith/internal/objstore"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// publicPrefix holds the overwritten latest copies, everything outside it
	// is append-only version history.
	publicPrefix = "latest"

	versionTimeFormat = "20060102T150405Z"
)

var (
	ErrPublishVerification = errors.New("published artifact failed verification")

	errNilArtifact = errors.New("nil artifact")
)

// Ledger records artifacts in the object store.
//
// Private versioned artifacts append a new timestamped object on every
// record, nothing is ever overwritten. Public latest artifacts additionally
// maintain a stable, overwritten key that always serves the newest content.
type Ledger struct {
	store  objstore.Store
	ids    model.IDSource
	now    func() time.Time
	logger *logrus.Entry
}

func New(store objstore.Store, ids model.IDSource, logger *logrus.Entry) *Ledger {
	return &Ledger{store: store, ids: ids, now: time.Now, logger: logger}
}

// versionKey returns the append-only history key for an artifact.
func (l *Ledger) versionKey(artifact *model.Artifact) string {
	ts := l.now().UTC().Format(versionTimeFormat)

	return path.Join(artifact.Owner(), artifact.Kind, fmt.Sprintf("%s-%s", ts, l.ids().String()))
}

// latestKey returns the stable public key for an owner and kind.
func latestKey(owner, kind string) string {
	return path.Join(publicPrefix, owner, kind)
}

// Record appends the artifact to the version history. The history key is
// never reused, repeated records of identical content create new versions.
func (l *Ledger) Record(ctx context.Context, artifact *model.Artifact) (string, error) {
	if artifact == nil {
		return "", errNilArtifact
	}

	if err := artifact.Validate(); err != nil {
		return "", err
	}

	key := l.versionKey(artifact)

	if err := l.store.Put(ctx, key, artifact.Content, artifact.Metadata); err != nil {
		metrics.ArtifactCounter.WithLabelValues(artifact.Kind, "record", "failed").Inc()
		return "", err
	}

	artifact.ContentRef = key

	metrics.ArtifactCounter.WithLabelValues(artifact.Kind, "record", "ok").Inc()

	l.logger.WithFields(logrus.Fields{"kind": artifact.Kind, "key": key}).Info("artifact recorded")

	return key, nil
}

// Publish records the artifact and copies it to the stable latest key,
// overwriting any previous copy. The copy is read back and compared before
// the publish is considered done.
func (l *Ledger) Publish(ctx context.Context, artifact *model.Artifact) (string, error) {
	versionedKey, err := l.Record(ctx, artifact)
	if err != nil {
		return "", err
	}

	key := latestKey(artifact.Owner(), artifact.Kind)

	if err := l.store.Copy(ctx, versionedKey, key); err != nil {
		metrics.ArtifactCounter.WithLabelValues(artifact.Kind, "publish", "failed").Inc()
		return "", err
	}

	published, _, err := l.store.Get(ctx, key)
	if err != nil {
		return "", errors.Wrap(ErrPublishVerification, err.Error())
	}

	if !bytes.Equal(published, artifact.Content) {
		return "", errors.Wrap(ErrPublishVerification, key+": content mismatch")
	}

	metrics.ArtifactCounter.WithLabelValues(artifact.Kind, "publish", "ok").Inc()

	l.logger.WithFields(logrus.Fields{"kind": artifact.Kind, "key": key}).Info("artifact published")

	return key, nil
}

// Retract removes the public latest copy. The version history is untouched,
// a retracted artifact can be republished from it.
func (l *Ledger) Retract(ctx context.Context, owner, kind string) error {
	key := latestKey(owner, kind)

	if err := l.store.Delete(ctx, key); err != nil {
		return err
	}

	metrics.ArtifactCounter.WithLabelValues(kind, "retract", "ok").Inc()

	l.logger.WithFields(logrus.Fields{"kind": kind, "key": key}).Info("artifact retracted")

	return nil
}

// Expire trims the version history of an owner and kind down to keep entries,
// deleting the oldest versions first. The public latest copy is never expired.
func (l *Ledger) Expire(ctx context.Context, owner, kind string, keep int) ([]string, error) {
	prefix := path.Join(owner, kind) + "/"

	keys, err := l.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	versions := []string{}

	for _, key := range keys {
		// guard against a prefix-overlapping latest key ever matching
		if strings.HasPrefix(key, publicPrefix+"/") {
			continue
		}

		versions = append(versions, key)
	}

	// version keys embed the record timestamp, lexical order is age order
	sort.Strings(versions)

	if keep < 0 {
		keep = 0
	}

	if len(versions) <= keep {
		return nil, nil
	}

	expired := versions[:len(versions)-keep]

	for _, key := range expired {
		if err := l.store.Delete(ctx, key); err != nil {
			return nil, err
		}

		metrics.ArtifactCounter.WithLabelValues(kind, "expire", "ok").Inc()
	}

	l.logger.WithFields(logrus.Fields{"kind": kind, "expired": len(expired)}).Info("artifact versions expired")

	return expired, nil
}

// ExpireOlderThan removes version history entries recorded before the cutoff
// time. The public latest copy is never expired.
func (l *Ledger) ExpireOlderThan(ctx context.Context, owner, kind string, cutoff time.Time) ([]string, error) {
	keys, err := l.store.List(ctx, path.Join(owner, kind)+"/")
	if err != nil {
		return nil, err
	}

	expired := []string{}

	for _, key := range keys {
		if strings.HasPrefix(key, publicPrefix+"/") {
			continue
		}

		recorded, ok := versionTime(key)
		if !ok || !recorded.Before(cutoff) {
			continue
		}

		if err := l.store.Delete(ctx, key); err != nil {
			return nil, err
		}

		metrics.ArtifactCounter.WithLabelValues(kind, "expire", "ok").Inc()

		expired = append(expired, key)
	}

	if len(expired) > 0 {
		l.logger.WithFields(logrus.Fields{"kind": kind, "expired": len(expired)}).Info("artifact versions expired")
	}

	return expired, nil
}

// versionTime recovers the record time embedded in a version key.
func versionTime(key string) (time.Time, bool) {
	base := path.Base(key)
	if len(base) < len(versionTimeFormat) {
		return time.Time{}, false
	}

	recorded, err := time.Parse(versionTimeFormat, base[:len(versionTimeFormat)])
	if err != nil {
		return time.Time{}, false
	}

	return recorded, true
}

// Versions lists the history keys for an owner and kind, oldest first.
func (l *Ledger) Versions(ctx context.Context, owner, kind string) ([]string, error) {
	keys, err := l.store.List(ctx, path.Join(owner, kind)+"/")
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)

	return keys, nil
}

// Latest fetches the public latest copy for an owner and kind.
func (l *Ledger) Latest(ctx context.Context, owner, kind string) ([]byte, map[string]string, error) {
	return l.store.Get(ctx, latestKey(owner, kind))
}
