package acl

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/aclprop/pkg/observability"
)

const tracerName = "github.com/platinummonkey/aclprop/pkg/acl"

// SynthesizeRoleName derives the internal role name used one level below a
// node: the parent role's name suffixed with the parent node's id. Names of
// this form are an implementation detail of propagation and never shown to
// end users.
func SynthesizeRoleName(parentRoleName string, parentNodeID int64) string {
	return fmt.Sprintf("%s*%d", parentRoleName, parentNodeID)
}

// Propagator materializes the derived nodes implied by a rule tree. It runs
// over one Querier, normally the transaction of the triggering mutation.
type Propagator struct {
	roles   *RoleCatalog
	nodes   *NodeStore
	q       Querier
	graph   *Graph
	logger  *logrus.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewPropagator creates a propagator. A nil graph uses NewGraph(), a nil
// logger logrus.New(); metrics may be nil.
func NewPropagator(q Querier, graph *Graph, logger *logrus.Logger, metrics *observability.Metrics) *Propagator {
	if graph == nil {
		graph = NewGraph()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Propagator{
		roles:   NewRoleCatalog(q),
		nodes:   NewNodeStore(q),
		q:       q,
		graph:   graph,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

// Propagate ensures every derived node implied by rules exists below root.
// The tree is validated before anything is written; nodes that already exist
// are counted as skipped and their subtrees are still walked.
func (p *Propagator) Propagate(ctx context.Context, root *Node, rules []RuleNode) (*PropagationResult, error) {
	if err := ValidateRules(rules, p.graph.Known); err != nil {
		return nil, err
	}

	result := &PropagationResult{RunID: uuid.NewString(), RootID: root.ID}
	if len(rules) == 0 {
		return result, nil
	}

	ctx, span := p.tracer.Start(ctx, "acl.Propagate", trace.WithAttributes(
		attribute.String("acl.run_id", result.RunID),
		attribute.Int64("acl.node_id", root.ID),
		attribute.String("acl.object", root.Object.String()),
	))
	defer span.End()

	start := time.Now()
	err := p.propagate(ctx, root, rules, result)
	result.Elapsed = time.Since(start)
	p.metrics.ObservePropagation(root.Object.Type, result.Created, result.Skipped, result.Elapsed, err)

	log := p.logger.WithFields(logrus.Fields{
		"run_id":  result.RunID,
		"node_id": root.ID,
		"object":  root.Object.String(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WithError(err).Error("propagation failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("acl.created", result.Created),
		attribute.Int("acl.skipped", result.Skipped),
	)
	log.WithFields(logrus.Fields{
		"created": result.Created,
		"skipped": result.Skipped,
		"depth":   result.Depth,
		"elapsed": result.Elapsed,
	}).Info("propagation completed")
	return result, nil
}

// PropagateRuleSet propagates root with the rules the set configures for its
// role. A role without rules yields an empty result.
func (p *Propagator) PropagateRuleSet(ctx context.Context, root *Node, rs *RuleSet) (*PropagationResult, error) {
	role, err := p.roles.GetRoleByID(ctx, root.RoleID)
	if err != nil {
		return nil, err
	}
	return p.Propagate(ctx, root, rs.Lookup(root.Object.Type, role.Name))
}

func (p *Propagator) propagate(ctx context.Context, root *Node, rules []RuleNode, result *PropagationResult) error {
	role, err := p.roles.GetRoleByID(ctx, root.RoleID)
	if err != nil {
		return fmt.Errorf("failed to load role of node %d: %w", root.ID, err)
	}
	return p.walk(ctx, root, role, ObjectRef{}, rules, 1, result)
}

// walk handles one level of the rule tree below parent, pre-order
func (p *Propagator) walk(ctx context.Context, parent *Node, parentRole *Role, origin ObjectRef, rules []RuleNode, depth int, result *PropagationResult) error {
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}

		related, err := p.graph.Related(ctx, p.q, parent.Object, origin, rule.SubType)
		if err != nil {
			return fmt.Errorf("failed to resolve %s linked to %s: %w", rule.SubType, parent.Object, err)
		}
		if len(related) == 0 {
			continue
		}

		roleName := SynthesizeRoleName(parentRole.Name, parent.ID)
		parentRoleID := parentRole.ID
		role, err := p.roles.EnsureInternalRole(ctx, roleName, rule.SubType, rule.Permissions, &parentRoleID)
		if err != nil {
			return err
		}

		for _, obj := range related {
			node, created, err := p.nodes.EnsureDerived(ctx, role, obj, parent)
			if err != nil {
				return err
			}
			if created {
				result.Created++
			} else {
				result.Skipped++
			}
			if depth > result.Depth {
				result.Depth = depth
			}

			p.logger.WithFields(logrus.Fields{
				"run_id":  result.RunID,
				"role":    role.Name,
				"object":  obj.String(),
				"node_id": node.ID,
				"created": created,
			}).Debug("derived node")

			if err := p.walk(ctx, node, role, parent.Object, rule.Children, depth+1, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemovePropagatedRoles deletes everything propagated from the root nodes of
// roleNames on objectType. The roots are direct grants and stay; only their
// derived subtrees and the internal roles left unreferenced go away.
func (p *Propagator) RemovePropagatedRoles(ctx context.Context, objectType string, roleNames []string) (int64, error) {
	ctx, span := p.tracer.Start(ctx, "acl.RemovePropagatedRoles", trace.WithAttributes(
		attribute.String("acl.object_type", objectType),
		attribute.StringSlice("acl.roles", roleNames),
	))
	defer span.End()

	roots, err := p.nodes.ListRoots(ctx, objectType, roleNames)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, root := range roots {
		children, err := p.nodes.ListChildren(ctx, root.ID)
		if err != nil {
			return deleted, err
		}
		for i := range children {
			n, err := p.nodes.DeleteSubtree(ctx, &children[i])
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
	}

	pruned, err := p.roles.PruneInternalRoles(ctx)
	if err != nil {
		return deleted, err
	}

	p.metrics.ObserveDeleted("rule_removed", deleted)
	p.metrics.ObservePruned(pruned)
	span.SetAttributes(attribute.Int64("acl.deleted", deleted))

	p.logger.WithFields(logrus.Fields{
		"object_type":   objectType,
		"roles":         roleNames,
		"roots":         len(roots),
		"nodes_deleted": deleted,
		"roles_pruned":  pruned,
	}).Info("removed propagated roles")
	return deleted, nil
}
