package mail

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"git.handmade.network/hmn/heapkeeper/src/cli"
	"git.handmade.network/hmn/heapkeeper/src/config"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

func init() {
	mailCommand := &cobra.Command{
		Use:   "mail",
		Short: "Mail gateway commands",
	}
	cli.RootCommand.AddCommand(mailCommand)

	ingestCommand := &cobra.Command{
		Use:   "ingest [mail files...]",
		Short: "File RFC 5322 mails into their heaps; reads one mail from stdin without arguments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cli.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, pool, err := cli.OpenStore(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			paths := args
			if len(paths) == 0 {
				paths = []string{"-"}
			}
			opts := BatchOptions{
				Domain: config.Config.Mail.Domain,
				Out:    os.Stdout,
			}
			if perSecond := config.Config.Mail.IngestRate; perSecond > 0 {
				opts.Limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
			}

			res, err := IngestFiles(ctx, s, paths, opts)
			if res != nil {
				fmt.Printf("%d file(s): %d delivered, %d skipped, %d unreadable\n", res.Files, res.Delivered, res.Skipped, len(res.Failed))
			}
			if err != nil {
				return err
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d mail file(s) could not be read", len(res.Failed))
			}
			return nil
		},
	}
	mailCommand.AddCommand(ingestCommand)
}
