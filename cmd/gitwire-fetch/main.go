// Command gitwire-fetch drives a full protocol v2 fetch against a Git
// Smart HTTP remote and writes the received pack to a file, exercising
// transport/client's negotiation loop end to end.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
	"github.com/opengit/wireproto/storage"
	"github.com/opengit/wireproto/transport/client"
)

var (
	wantHex []string
	token   string
	outPath string
)

var rootCmd = &cobra.Command{
	Use:   "gitwire-fetch <repository-url>",
	Short: "Fetch a pack from a Git Smart HTTP remote over protocol v2",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func main() {
	rootCmd.Flags().StringSliceVar(&wantHex, "want", nil, "object id to fetch (repeatable); defaults to every advertised ref")
	rootCmd.Flags().StringVar(&token, "token", "", "bearer token to authenticate with")
	rootCmd.Flags().StringVar(&outPath, "out", "fetch.pack", "file to write the received pack to")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gitwire-fetch: %v\n", err)
		os.Exit(1)
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithTokenAuth("Bearer "+token))
	}
	raw, err := client.NewHTTPClient(args[0], opts...)
	if err != nil {
		return err
	}

	wants, err := resolveWants(ctx, raw)
	if err != nil {
		return err
	}
	if len(wants) == 0 {
		return fmt.Errorf("gitwire-fetch: remote has no refs to fetch")
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("gitwire-fetch: creating %s: %w", outPath, err)
	}
	defer out.Close()

	session := client.NewFetchSession(raw, &filePackParser{dest: out})
	sentDone := false
	result, err := session.Fetch(ctx, client.FetchOptions{Wants: wants}, func() ([]protocol.ObjectId, bool) {
		// A from-scratch clone offers no haves and finishes negotiation
		// on the first round.
		done := sentDone
		sentDone = true
		return nil, done
	})
	if err != nil {
		return fmt.Errorf("gitwire-fetch: %w", err)
	}

	fmt.Printf("wrote %s (%d objects indexed, %d common)\n", outPath, len(result.Pack.ObjectIds), len(result.Common))
	return nil
}

func resolveWants(ctx context.Context, raw client.RawClient) ([]protocol.ObjectId, error) {
	if len(wantHex) > 0 {
		wants := make([]protocol.ObjectId, 0, len(wantHex))
		for _, h := range wantHex {
			id, err := hash.FromHex(h)
			if err != nil {
				return nil, fmt.Errorf("gitwire-fetch: parsing --want %q: %w", h, err)
			}
			wants = append(wants, id)
		}
		return wants, nil
	}

	session := client.NewFetchSession(raw, nil)
	refs, err := session.LsRefs(ctx, client.LsRefsOptions{})
	if err != nil {
		return nil, fmt.Errorf("gitwire-fetch: listing refs: %w", err)
	}
	wants := make([]protocol.ObjectId, 0, len(refs))
	for _, r := range refs {
		wants = append(wants, r.ObjectId)
	}
	return wants, nil
}

// filePackParser writes the raw pack stream to dest verbatim, for a demo
// binary that has no on-disk object store to index into. A real server or
// clone implementation supplies storage.PackParser from its own backend.
type filePackParser struct {
	dest io.Writer
}

func (p *filePackParser) Parse(ctx context.Context, r io.Reader, lockMessage string) (*storage.ParsedPack, error) {
	if _, err := io.Copy(p.dest, r); err != nil {
		return nil, fmt.Errorf("gitwire-fetch: writing pack: %w", err)
	}
	return &storage.ParsedPack{}, nil
}
