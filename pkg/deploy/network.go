package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/runtime"
	"github.com/cuemby/cyberrange/pkg/types"
)

func (o *Orchestrator) createNetworkWork(networkID string) jobs.Work {
	return func(ctx context.Context, rep *jobs.Reporter) error {
		n, err := o.store.GetNetwork(networkID)
		if err != nil {
			return fmt.Errorf("failed to load network: %w", err)
		}
		logger := o.logger.With().Str("network_id", n.ID).Str("job_id", rep.JobID()).Logger()
		rep.SetTotal(2)

		if n.RuntimeNetworkID != "" {
			if _, err := o.rt.InspectNetwork(ctx, n.RuntimeNetworkID); err == nil {
				o.setNetworkStatus(n, types.NetworkStatusCreated, n.RuntimeNetworkID, "")
				return nil
			}
		}

		o.setNetworkStatus(n, types.NetworkStatusCreating, "", "")
		rep.Step("creating runtime network")

		id, err := o.rt.CreateNetwork(ctx, runtime.NetworkSpec{
			Name:      NetworkName(n.ID),
			Subnet:    n.Subnet,
			Gateway:   n.Gateway,
			Isolation: n.Isolation,
			Labels:    runtime.ManagedLabels(n.RangeID, map[string]string{runtime.LabelNetwork: n.ID}),
		})
		if errors.Is(err, runtime.ErrConflict) {
			id, err = o.adoptNetwork(ctx, n)
		}
		if err != nil {
			msg := err.Error()
			if ctx.Err() != nil {
				msg = cancelMessage(ctx)
			}
			o.setNetworkStatus(n, types.NetworkStatusError, "", msg)
			return fmt.Errorf("failed to create network %s: %w", n.Name, err)
		}

		if ctx.Err() != nil {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
			defer cancel()
			if rerr := o.rt.RemoveNetwork(rctx, id); rerr != nil && !runtime.IsNotFound(rerr) {
				logger.Error().Err(rerr).Msg("Failed to roll back network")
				o.setNetworkStatus(n, types.NetworkStatusError, id, cancelMessage(ctx)+"; rollback failed")
				return context.Cause(ctx)
			}
			o.setNetworkStatus(n, types.NetworkStatusError, "", cancelMessage(ctx))
			return context.Cause(ctx)
		}

		o.setNetworkStatus(n, types.NetworkStatusCreated, id, "")
		rep.Step("network created")
		logger.Info().Str("runtime_id", id).Str("subnet", n.Subnet).Msg("Network created")
		return nil
	}
}

// adoptNetwork takes over a runtime network left by an earlier attempt. A
// network with the same name that belongs to something else is a conflict.
func (o *Orchestrator) adoptNetwork(ctx context.Context, n *types.Network) (string, error) {
	info, err := o.rt.InspectNetwork(ctx, NetworkName(n.ID))
	if err != nil {
		return "", err
	}
	if info.Labels[runtime.LabelNetwork] != n.ID {
		return "", fmt.Errorf("network name %s: %w", NetworkName(n.ID), runtime.ErrConflict)
	}
	return info.ID, nil
}

func cancelMessage(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), jobs.ErrTimeout) {
		return "timed out"
	}
	return "cancelled"
}
