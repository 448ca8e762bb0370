// Command inspect prints the badger store as a table and edits the censored
// words blocklist.
package main

import (
	"chat-engine/repositories"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"
)

type Config struct {
	BadgerFilepath string `envconfig:"BADGER_FILEPATH" default:"./data/badger"`
	Colours        bool   `envconfig:"INSPECT_COLOURS" default:"true"`
}

func main() {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		log.Fatalf("Config error: %v", err)
	}
	dbPath := flag.String("db", config.BadgerFilepath, "Path to badger DB")
	prefix := flag.String("prefix", "msg:", "Prefix to scan, empty for every key")
	limit := flag.Int("limit", 100, "Maximum rows, 0 for all")
	block := flag.String("block", "", "Comma separated words to add to the blocklist")
	unblock := flag.String("unblock", "", "Word to remove from the blocklist")
	flag.Parse()

	writing := *block != "" || *unblock != ""
	db, err := openDB(*dbPath, !writing)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	if writing {
		if err := editBlocklist(context.Background(), repositories.NewBlocklistRepository(db), *block, *unblock); err != nil {
			log.Fatal(err)
		}
		*prefix = "blocklist:"
	}

	if err := render(os.Stdout, db, *prefix, *limit, config.Colours); err != nil {
		log.Fatal(err)
	}
}

func editBlocklist(ctx context.Context, blocklist repositories.BlocklistRepository, block, unblock string) error {
	if block != "" {
		words := strings.FieldsFunc(block, func(r rune) bool { return r == ',' })
		if err := blocklist.Add(ctx, words...); err != nil {
			return fmt.Errorf("block: %w", err)
		}
	}
	if unblock != "" {
		if err := blocklist.Remove(ctx, unblock); err != nil {
			return fmt.Errorf("unblock: %w", err)
		}
	}
	return nil
}

// render writes one row per entry under prefix, then a footer with the totals.
func render(w io.Writer, db *badger.DB, prefix string, limit int, colours bool) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Key", "Kind", "At", "Size", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	rows, total := 0, 0
	err := repositories.Dump(db, prefix, limit, func(e repositories.Entry) error {
		at := ""
		if !e.At.IsZero() {
			at = e.At.Local().Format("2006-01-02 15:04:05")
		}
		kind := e.Kind
		if colours {
			kind = color.New(color.FgCyan).Render(kind)
		}
		table.Append([]string{e.Key, kind, at, humanize.IBytes(uint64(e.Size)), e.Detail})
		rows++
		total += e.Size
		return nil
	})
	if err != nil {
		return err
	}
	table.Render()
	footer := fmt.Sprintf("%d entries under %q, %s", rows, prefix, humanize.IBytes(uint64(total)))
	if colours {
		footer = color.New(color.FgGreen).Render(footer)
	}
	_, err = fmt.Fprintln(w, footer)
	return err
}

func openDB(path string, readOnly bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(readOnly).
		WithLogger(nil).
		WithBypassLockGuard(readOnly)
	return badger.Open(opts)
}
