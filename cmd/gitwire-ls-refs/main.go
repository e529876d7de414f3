// Command gitwire-ls-refs issues a protocol v2 ls-refs request against a
// Git Smart HTTP remote and prints the advertised references, exercising
// transport/client end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/opengit/wireproto/transport/client"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	symrefs := pflag.Bool("symrefs", false, "show the underlying ref pointed to by a symbolic ref")
	peel := pflag.Bool("peel", false, "show peeled tags")
	refPrefixes := pflag.StringSlice("ref-prefix", nil, "only show refs matching one of these prefixes")
	token := pflag.String("token", "", "bearer token to authenticate with")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <repository-url>\n", filepath.Base(os.Args[0]))
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	opts := []client.Option{}
	if *token != "" {
		opts = append(opts, client.WithTokenAuth("Bearer "+*token))
	}
	raw, err := client.NewHTTPClient(pflag.Arg(0), opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitwire-ls-refs: %v\n", err)
		os.Exit(1)
	}

	session := client.NewFetchSession(raw, nil)
	refs, err := session.LsRefs(ctx, client.LsRefsOptions{
		Symrefs:  *symrefs,
		Peel:     *peel,
		Prefixes: *refPrefixes,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitwire-ls-refs: %v\n", err)
		os.Exit(1)
	}

	for _, ref := range refs {
		fmt.Printf("%s\t%s\n", ref.ObjectId.String(), ref.Name)
	}
}
