package redact

import (
	"fmt"
	"log/slog"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/session"
)

// IdentityLocker seals identity values into an opaque blob that can later
// be unsealed by the key holder. The store never interprets the blob.
type IdentityLocker interface {
	Seal(plaintext []byte) ([]byte, error)
	Unseal(sealed []byte) ([]byte, error)
}

// identityVaultTag is the core attribute carrying sealed identity blobs on
// an instance. Even group, so it rides in the dense blob.
var identityVaultTag = model.Tag{Group: 0x0012, Element: 0x0072}

// Applier executes persisted remediation decisions: REPLACE, HASH, or
// REMOVE per flagged field. Instance-level fields go through the session's
// attribute path (and therefore the version tracker); entity-level fields
// are upserted in a batch.
type Applier struct {
	sess   *session.Session
	locker IdentityLocker // optional; nil disables identity sealing
}

// NewApplier builds a remediation applier.
func NewApplier(sess *session.Session, locker IdentityLocker) *Applier {
	return &Applier{sess: sess, locker: locker}
}

// ApplyResult counts what one remediation pass changed.
type ApplyResult struct {
	Applied int
	Sealed  int
	Skipped int
}

// Apply executes each finding's remediation action. Findings with no
// action are skipped. Every applied change lands in the audit log.
func (a *Applier) Apply(findings []model.PhiFinding) (*ApplyResult, error) {
	result := &ApplyResult{}
	for _, f := range findings {
		if f.Action == "" {
			result.Skipped++
			continue
		}
		applied, sealed, err := a.applyOne(f)
		if err != nil {
			return result, err
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
		}
		if sealed {
			result.Sealed++
		}
	}
	slog.Info("remediation applied", "applied", result.Applied,
		"sealed", result.Sealed, "skipped", result.Skipped)
	return result, nil
}

func (a *Applier) applyOne(f model.PhiFinding) (applied, sealed bool, err error) {
	newValue, remove := remediatedValue(f)

	switch f.EntityType {
	case "Instance":
		applied, sealed, err = a.applyInstance(f, newValue, remove)
	case "Patient":
		applied, err = a.applyPatient(f, newValue, remove)
	case "Study", "Series":
		// Study dates and series device fields are structural, not free
		// text; findings against them are recorded but resolved by hand.
		return false, false, nil
	default:
		return false, false, fmt.Errorf("remediate: unknown entity type %q", f.EntityType)
	}
	if err != nil || !applied {
		return applied, sealed, err
	}

	err = a.sess.RecordAudit(model.ActionRemediate, f.EntityUID,
		fmt.Sprintf("%s %s %s", f.Action, f.EntityType, f.FieldName))
	return applied, sealed, err
}

// applyInstance remediates one tagged attribute. Sealing, when configured,
// captures the original value before it is overwritten.
func (a *Applier) applyInstance(f model.PhiFinding, newValue string, remove bool) (bool, bool, error) {
	tag, err := model.ParseTag(f.FieldName)
	if err != nil {
		return false, false, fmt.Errorf("remediate instance %s: %w", f.EntityUID, err)
	}

	sealed := false
	if a.locker != nil && f.Value != "" {
		blob, err := a.locker.Seal([]byte(f.Value))
		if err != nil {
			return false, false, fmt.Errorf("seal identity for %s: %w", f.EntityUID, err)
		}
		if err := a.sess.SetAttribute(f.EntityUID, identityVaultTag, model.Bytes(blob)); err != nil {
			return false, false, err
		}
		sealed = true
	}

	value := model.Text(newValue)
	if remove {
		value = model.Text("")
	}
	if err := a.sess.SetAttribute(f.EntityUID, tag, value); err != nil {
		return false, sealed, err
	}
	return true, sealed, nil
}

func (a *Applier) applyPatient(f model.PhiFinding, newValue string, remove bool) (bool, error) {
	p, err := a.sess.Store().GetPatient(f.EntityUID)
	if err != nil {
		return false, fmt.Errorf("remediate patient %s: %w", f.EntityUID, err)
	}
	if f.FieldName != "display_name" {
		return false, nil
	}
	if remove {
		p.DisplayName = ""
	} else {
		p.DisplayName = newValue
	}

	if err := a.sess.Begin(); err != nil {
		return false, err
	}
	if err := a.sess.AddPatient(p); err != nil {
		a.sess.Rollback()
		return false, err
	}
	if err := a.sess.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// remediatedValue computes the post-remediation field value.
func remediatedValue(f model.PhiFinding) (value string, remove bool) {
	switch f.Action {
	case model.RemediationReplace:
		return f.Replacement, false
	case model.RemediationHash:
		// Truncated content hash: stable pseudonym, irreversible.
		h := model.HashBytes([]byte(f.Value))
		return h[:16], false
	case model.RemediationRemove:
		return "", true
	default:
		return f.Value, false
	}
}
