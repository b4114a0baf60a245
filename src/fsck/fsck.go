/*
Package fsck audits a heap keeper store for structural damage: messages
without versions, roots without exactly one conversation, deleted messages
still used as parents or roots, parent loops, conversations rooted at
replies, unused labels and heaps nobody administers.

The checker only reads. It produces a Report and leaves repairs to a human.
*/
package fsck

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"git.handmade.network/hmn/heapkeeper/src/hkdata"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"git.handmade.network/hmn/heapkeeper/src/utils"
	"golang.org/x/sync/errgroup"
)

type Problem struct {
	Description string   `yaml:"description"`
	Entities    []string `yaml:"entities"`
}

type CheckResult struct {
	Name     string    `yaml:"name"`
	Problems []Problem `yaml:"problems"`
}

func (r CheckResult) OK() bool {
	return len(r.Problems) == 0
}

type Report struct {
	Checks []CheckResult `yaml:"checks"`
	Clean  bool          `yaml:"clean"`
}

// The failed checks only.
func (r *Report) Failures() []CheckResult {
	var result []CheckResult
	for _, c := range r.Checks {
		if !c.OK() {
			result = append(result, c)
		}
	}
	return result
}

type Check struct {
	Name string
	Run  func(s *Snapshot) []Problem
}

var Checks = []Check{
	{"messages without versions", checkMessagesWithoutVersions},
	{"roots without exactly one conversation", checkRootConversations},
	{"deleted messages as parents", checkDeletedParents},
	{"parent loops", checkParentLoops},
	{"deleted messages as conversation roots", checkDeletedRoots},
	{"conversation roots with a parent", checkRootsWithParent},
	{"unused labels", checkUnusedLabels},
	{"heaps without an admin", checkHeapsWithoutAdmin},
}

// Checks the whole store as of a single transaction.
func Run(ctx context.Context, s store.Store) (*Report, error) {
	var snap *Snapshot
	err := s.Tx(ctx, func(tx store.Tx) error {
		var err error
		snap, err = LoadSnapshot(ctx, tx)
		return err
	})
	if err != nil {
		return nil, oops.New(err, "failed to load store for checking")
	}
	return CheckSnapshot(ctx, snap)
}

/*
Runs every check against the snapshot concurrently. Checks are independent:
one finding problems, or even crashing, does not stop the others. A crashed
check is reported as an error after the rest have finished.
*/
func CheckSnapshot(ctx context.Context, snap *Snapshot) (*Report, error) {
	results := make([]CheckResult, len(Checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, check := range Checks {
		i, check := i, check
		g.Go(func() (err error) {
			defer utils.RecoverPanicAsError(&err)
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = CheckResult{
				Name:     check.Name,
				Problems: check.Run(snap),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, oops.New(err, "consistency check failed to run")
	}

	report := &Report{Checks: results, Clean: true}
	for _, r := range results {
		if !r.OK() {
			report.Clean = false
		}
	}
	return report, nil
}

func checkMessagesWithoutVersions(s *Snapshot) []Problem {
	var problems []Problem
	for _, msg := range s.Messages {
		if len(s.Versions[msg.ID]) == 0 {
			problems = append(problems, Problem{
				Description: fmt.Sprintf("message %s has no versions", msg.ID),
				Entities:    []string{msg.ID.String()},
			})
		}
	}
	return problems
}

func checkRootConversations(s *Snapshot) []Problem {
	byRoot := s.conversationsByRoot()

	var zero, many []Problem
	for _, msg := range s.Messages {
		latest, ok := s.Latest[msg.ID]
		if !ok || latest.HasParent() || latest.Deleted {
			continue
		}
		convs := byRoot[msg.ID]
		switch {
		case len(convs) == 0:
			zero = append(zero, Problem{
				Description: fmt.Sprintf("root message %s has no conversation", msg.ID),
				Entities:    []string{msg.ID.String()},
			})
		case len(convs) > 1:
			entities := []string{msg.ID.String()}
			for _, conv := range convs {
				entities = append(entities, conversationEntity(conv.ID))
			}
			many = append(many, Problem{
				Description: fmt.Sprintf("root message %s has %d conversations", msg.ID, len(convs)),
				Entities:    entities,
			})
		}
	}
	return append(zero, many...)
}

func checkDeletedParents(s *Snapshot) []Problem {
	var problems []Problem
	for _, msg := range s.Messages {
		latest, ok := s.Latest[msg.ID]
		if !ok || !latest.HasParent() {
			continue
		}
		if s.isDeleted(*latest.ParentID) {
			problems = append(problems, Problem{
				Description: fmt.Sprintf("deleted message %s is the parent of message %s", *latest.ParentID, msg.ID),
				Entities:    []string{latest.ParentID.String(), msg.ID.String()},
			})
		}
	}
	return problems
}

func checkParentLoops(s *Snapshot) []Problem {
	seen := make(map[string]struct{})
	var problems []Problem
	for _, msg := range s.Messages {
		_, err := hkdata.WalkToRoot(msg.ID, s.parentOf)
		var cycleErr *oops.CycleError
		if !errors.As(err, &cycleErr) {
			continue
		}

		members := make([]string, len(cycleErr.Messages))
		for i, id := range cycleErr.Messages {
			members[i] = id.String()
		}
		key := strings.Join(members, ",")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		problems = append(problems, Problem{
			Description: fmt.Sprintf("messages %s form a parent loop", strings.Join(members, ", ")),
			Entities:    members,
		})
	}
	return problems
}

func checkDeletedRoots(s *Snapshot) []Problem {
	byRoot := s.conversationsByRoot()

	var problems []Problem
	for _, msg := range s.Messages {
		if !s.isDeleted(msg.ID) {
			continue
		}
		for _, conv := range byRoot[msg.ID] {
			problems = append(problems, Problem{
				Description: fmt.Sprintf("deleted message %s is the root of conversation %d", msg.ID, conv.ID),
				Entities:    []string{msg.ID.String(), conversationEntity(conv.ID)},
			})
		}
	}
	return problems
}

func checkRootsWithParent(s *Snapshot) []Problem {
	var problems []Problem
	for _, conv := range s.Conversations {
		latest, ok := s.Latest[conv.RootID]
		if !ok || !latest.HasParent() {
			continue
		}
		problems = append(problems, Problem{
			Description: fmt.Sprintf("conversation %d is rooted at message %s, which has a parent", conv.ID, conv.RootID),
			Entities:    []string{conversationEntity(conv.ID), conv.RootID.String()},
		})
	}
	return problems
}

// A label counts as used if a conversation or the latest version of a
// message carries it, the same rule the label registry collects by.
func checkUnusedLabels(s *Snapshot) []Problem {
	used := make(map[string]struct{})
	for _, conv := range s.Conversations {
		for _, text := range conv.Labels {
			used[text] = struct{}{}
		}
	}
	for _, latest := range s.Latest {
		for _, text := range latest.Labels {
			used[text] = struct{}{}
		}
	}

	var problems []Problem
	for _, label := range s.Labels {
		if _, ok := used[label.Text]; !ok {
			problems = append(problems, Problem{
				Description: fmt.Sprintf("label %q is unused", label.Text),
				Entities:    []string{label.Text},
			})
		}
	}
	return problems
}

func checkHeapsWithoutAdmin(s *Snapshot) []Problem {
	var problems []Problem
	for _, heap := range s.Heaps {
		hasAdmin := false
		for _, r := range s.Rights[heap.ID] {
			if r.Right == models.RightHeapAdmin {
				hasAdmin = true
				break
			}
		}
		if !hasAdmin {
			problems = append(problems, Problem{
				Description: fmt.Sprintf("heap %q has no admin", heap.ShortName),
				Entities:    []string{heap.ShortName},
			})
		}
	}
	return problems
}

func conversationEntity(id int) string {
	return "conversation:" + strconv.Itoa(id)
}
