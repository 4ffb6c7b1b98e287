package bootstrap

import (
	"context"
	"fmt"

	selfupdate "github.com/creativeprojects/go-selfupdate"

	"fleetkeeper/pkg/logging"
)

// NucleusUpdater upgrades the running agent binary itself — the "nucleus"
// singleton component is the agent itself. Its only caller is the
// "self-update" CLI command; a recipe's bootstrap phase runs as an
// external process like any other lifecycle phase.
type NucleusUpdater struct {
	log  *logging.Logger
	slug string
}

// NewNucleusUpdater builds an updater pointed at repoSlug ("owner/repo")
// for release discovery.
func NewNucleusUpdater(log *logging.Logger, repoSlug string) *NucleusUpdater {
	if log == nil {
		log = logging.Nop()
	}
	return &NucleusUpdater{log: log.With("bootstrap.selfupdate"), slug: repoSlug}
}

// UpdateTo replaces the running binary with targetVersion if a newer
// release is published, returning false (no error) if already current.
func (u *NucleusUpdater) UpdateTo(ctx context.Context, currentVersion, targetVersion string) (bool, error) {
	updater, err := selfupdate.NewUpdater(selfupdate.Config{})
	if err != nil {
		return false, fmt.Errorf("bootstrap: create updater: %w", err)
	}

	latest, found, err := updater.DetectLatest(ctx, selfupdate.ParseSlug(u.slug))
	if err != nil {
		return false, fmt.Errorf("bootstrap: detect latest nucleus release: %w", err)
	}
	if !found {
		return false, fmt.Errorf("bootstrap: no releases found for %s", u.slug)
	}
	if targetVersion != "" && latest.Version() != targetVersion {
		return false, fmt.Errorf("bootstrap: latest published release %s does not match resolved nucleus version %s", latest.Version(), targetVersion)
	}
	if !latest.GreaterThan(currentVersion) {
		u.log.Debug("nucleus already at latest version %s", currentVersion)
		return false, nil
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return false, fmt.Errorf("bootstrap: locate executable: %w", err)
	}
	u.log.Info("updating nucleus binary %s from %s to %s", exe, currentVersion, latest.Version())
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return false, fmt.Errorf("bootstrap: update nucleus binary: %w", err)
	}
	return true, nil
}
