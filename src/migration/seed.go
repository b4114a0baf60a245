package migration

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"git.handmade.network/hmn/heapkeeper/src/auth"
	"git.handmade.network/hmn/heapkeeper/src/cli"
	"git.handmade.network/hmn/heapkeeper/src/hkdata"
	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"git.handmade.network/hmn/heapkeeper/src/utils"
	lorem "github.com/HandmadeNetwork/golorem"
	"github.com/spf13/cobra"
)

var seedBare bool

func init() {
	seedCommand := &cobra.Command{
		Use:   "seed",
		Short: "Migrate to the latest version and fill the database with sample data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cli.Context()
			s, pool, err := cli.OpenStore(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := Migrate(ctx, pool, LatestVersion()); err != nil {
				return err
			}
			if seedBare {
				return BareMinimumSeed(ctx, s)
			}
			return SampleSeed(ctx, s)
		},
	}
	seedCommand.Flags().BoolVar(&seedBare, "bare", false, "Only create the admin user and the main heap")
	cli.RootCommand.AddCommand(seedCommand)
}

const seedPassword = "password"

// Creates only what's necessary to get going: an admin and a heap they own.
func BareMinimumSeed(ctx context.Context, s store.Store) error {
	return s.Tx(ctx, func(tx store.Tx) error {
		_, _, err := seedBase(ctx, tx)
		return err
	})
}

func seedBase(ctx context.Context, tx store.Tx) (*models.User, *models.Heap, error) {
	logger := logging.ExtractLogger(ctx)

	logger.Info().Msgf("Creating admin user (\"admin\"/%q)...", seedPassword)
	admin, err := auth.RegisterUser(ctx, tx, auth.NewUser{
		Username:    "admin",
		Email:       "admin@localhost",
		Password:    seedPassword,
		IsSuperuser: true,
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Info().Msg("Creating main heap...")
	heap, err := seedHeap(ctx, tx, admin, "hk", "Heap keeper", models.HeapVisibilityPublic)
	if err != nil {
		return nil, nil, err
	}
	return admin, heap, nil
}

func seedHeap(ctx context.Context, tx store.Tx, admin *models.User, shortName, longName string, visibility models.HeapVisibility) (*models.Heap, error) {
	heap := &models.Heap{ShortName: shortName, LongName: longName, Visibility: visibility}
	if err := tx.CreateHeap(ctx, heap); err != nil {
		return nil, oops.New(err, "failed to create heap %q", shortName)
	}
	// Every heap gets an explicit admin so the consistency checker is happy.
	if _, err := hkdata.GrantRight(ctx, tx, admin, admin.ID, heap.ID, models.RightHeapAdmin); err != nil {
		return nil, err
	}
	return heap, nil
}

/*
Seeds a store with sample data for local dev: a few users, one heap of each
visibility, and threads of lorem ipsum with labels, replies, edits and
deletions. Everything goes through the regular operations, so the result is
consistent.
*/
func SampleSeed(ctx context.Context, s store.Store) error {
	return s.Tx(ctx, func(tx store.Tx) error {
		logger := logging.ExtractLogger(ctx)
		rng := rand.New(rand.NewSource(1))

		admin, mainHeap, err := seedBase(ctx, tx)
		if err != nil {
			return err
		}

		logger.Info().Msgf("Creating normal users (all with password %q)...", seedPassword)
		var users []*models.User
		for _, name := range []string{"alice", "bob", "charlie"} {
			user, err := auth.RegisterUser(ctx, tx, auth.NewUser{
				Username: name,
				Email:    fmt.Sprintf("%s@example.com", name),
				Password: seedPassword,
			})
			if err != nil {
				return err
			}
			users = append(users, user)
		}
		alice, bob, charlie := users[0], users[1], users[2]

		logger.Info().Msg("Creating more heaps...")
		devHeap, err := seedHeap(ctx, tx, admin, "dev", "Development", models.HeapVisibilitySemipublic)
		if err != nil {
			return err
		}
		secretHeap, err := seedHeap(ctx, tx, admin, "secret", "Secret plans", models.HeapVisibilityPrivate)
		if err != nil {
			return err
		}
		grants := []struct {
			user  *models.User
			heap  *models.Heap
			right models.Right
		}{
			{alice, devHeap, models.RightAlter},
			{bob, devHeap, models.RightSend},
			{alice, secretHeap, models.RightSend},
			{charlie, secretHeap, models.RightRead},
		}
		for _, g := range grants {
			if _, err := hkdata.GrantRight(ctx, tx, admin, g.user.ID, g.heap.ID, g.right); err != nil {
				return err
			}
		}

		logger.Info().Msg("Creating conversations...")
		labels := []string{"bug", "idea", "question", "meta", "urgent"}
		posters := map[int][]*models.User{
			mainHeap.ID:   {admin, alice, bob, charlie, nil},
			devHeap.ID:    {alice, bob},
			secretHeap.ID: {alice},
		}
		for _, heap := range []*models.Heap{mainHeap, devHeap, secretHeap} {
			for i := 0; i < 4; i++ {
				if err := seedConversation(ctx, tx, rng, heap, posters[heap.ID], labels); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func seedConversation(ctx context.Context, tx store.Tx, rng *rand.Rand, heap *models.Heap, posters []*models.User, labels []string) error {
	pickAuthor := func() *models.User {
		return posters[rng.Intn(len(posters))]
	}
	pickLabels := func(max int) []string {
		var result []string
		for i := rng.Intn(max + 1); i > 0; i-- {
			result = append(result, labels[rng.Intn(len(labels))])
		}
		return result
	}

	subject := strings.TrimSuffix(lorem.Sentence(2, 8), ".")
	author := pickAuthor()
	root, _, err := hkdata.PostConversation(ctx, tx, author, heap.ID, subject, pickLabels(2), hkdata.NewPost{
		Text: lorem.Paragraph(1, 3),
	})
	if err != nil {
		return oops.New(err, "failed to seed conversation %q", subject)
	}

	thread := []models.MessageID{root.ID}
	for i := rng.Intn(8); i > 0; i-- {
		parent := thread[rng.Intn(len(thread))]
		reply, err := hkdata.PostReply(ctx, tx, pickAuthor(), parent, hkdata.NewPost{
			Text:   lorem.Paragraph(0, 2),
			Labels: pickLabels(1),
		})
		if err != nil {
			return oops.New(err, "failed to seed reply")
		}
		thread = append(thread, reply.ID)
	}

	// Some history: an edit, and now and then a deleted reply.
	if len(thread) > 1 {
		edited := thread[1+rng.Intn(len(thread)-1)]
		_, err := hkdata.Edit(ctx, tx, edited, hkdata.Overrides{
			Text: utils.Ptr(lorem.Paragraph(0, 1) + "\n\n(edited)"),
		})
		if err != nil {
			return oops.New(err, "failed to seed edit")
		}
	}
	if len(thread) > 2 && rng.Intn(3) == 0 {
		if err := hkdata.Delete(ctx, tx, thread[len(thread)-1]); err != nil {
			return oops.New(err, "failed to seed deletion")
		}
	}
	return nil
}
