package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"hush-chat/go-keycore/internal/engine"
	"hush-chat/go-keycore/internal/exchange"
	"hush-chat/go-keycore/internal/history"
	"hush-chat/go-keycore/internal/identity"
	"hush-chat/go-keycore/internal/migration"
	"hush-chat/go-keycore/pkg/models"
)

const (
	exitOK           = 0
	exitInvalidInput = 10
	exitStoreFailed  = 20
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}

	switch os.Args[1] {
	case "identity":
		runIdentity(os.Args[2:])
	case "records":
		runRecords(os.Args[2:])
	case "migrations":
		runMigrations(os.Args[2:])
	case "samples":
		runSamples(os.Args[2:])
	case "doctor":
		runDoctor(os.Args[2:])
	default:
		printUsage()
		os.Exit(exitInvalidInput)
	}
}

func runIdentity(args []string) {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	password := fs.String("password", "", "password protecting the seed")
	mnemonic := fs.String("mnemonic", "", "restore from this mnemonic instead of generating")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*password) == "" {
		writeStderrln("password is required", exitInvalidInput)
	}

	mgr, err := identity.NewManager()
	if err != nil {
		writeStderrln(err.Error(), exitStoreFailed)
	}

	out := map[string]any{}
	if strings.TrimSpace(*mnemonic) != "" {
		id, err := mgr.ImportIdentity(*mnemonic, *password)
		if err != nil {
			writeStderrln(err.Error(), exitInvalidInput)
		}
		out["restored"] = true
		out["identity_id"] = id.ID
		out["public_key"] = base58.Encode(id.PublicKey)
	} else {
		id, seed, err := mgr.CreateIdentity(*password)
		if err != nil {
			writeStderrln(err.Error(), exitStoreFailed)
		}
		out["created"] = true
		out["identity_id"] = id.ID
		out["public_key"] = base58.Encode(id.PublicKey)
		out["mnemonic"] = seed
	}
	if err := printJSON(out); err != nil {
		writeStderrln(err.Error(), exitStoreFailed)
	}
	os.Exit(exitOK)
}

func runRecords(args []string) {
	fs := flag.NewFlagSet("records", flag.ExitOnError)
	path := fs.String("store", "", "path to the encrypted record store")
	passphrase := fs.String("passphrase", "", "store passphrase")
	participant := fs.String("participant", "", "identity id to list records for")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*path) == "" || strings.TrimSpace(*participant) == "" {
		writeStderrln("store and participant are required", exitInvalidInput)
	}

	store := exchange.NewEncryptedFileRecordStore(*path, *passphrase)
	inbound, err := store.AddressedTo(*participant)
	if err != nil {
		writeStderrln(err.Error(), exitStoreFailed)
	}
	outbound, err := store.CreatedBy(*participant)
	if err != nil {
		writeStderrln(err.Error(), exitStoreFailed)
	}

	now := time.Now().UTC()
	counts := map[string]int{}
	expiringSoon := 0
	for _, rec := range append(append([]models.WrappedKeyRecord(nil), inbound...), outbound...) {
		status := rec.EffectiveStatus(now)
		counts[status]++
		if status == models.ExchangeStatusPending && rec.ExpiresAt.Before(now.Add(time.Hour)) {
			expiringSoon++
		}
	}
	if err := printJSON(map[string]any{
		"status_counts":      counts,
		"expiring_within_1h": expiringSoon,
		"inbound":            summarizeRecords(inbound, now),
		"outbound":           summarizeRecords(outbound, now),
	}); err != nil {
		writeStderrln(err.Error(), exitStoreFailed)
	}
	os.Exit(exitOK)
}

func summarizeRecords(records []models.WrappedKeyRecord, now time.Time) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"record_id":       rec.ID,
			"conversation_id": rec.ConversationID,
			"epoch":           rec.Epoch,
			"status":          rec.EffectiveStatus(now),
			"requester_id":    rec.RequesterID,
			"target_id":       rec.TargetID,
			"expires_at":      rec.ExpiresAt,
		})
	}
	return out
}

func runMigrations(args []string) {
	fs := flag.NewFlagSet("migrations", flag.ExitOnError)
	path := fs.String("store", "", "path to the encrypted migration store")
	passphrase := fs.String("passphrase", "", "store passphrase")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*path) == "" {
		writeStderrln("store is required", exitInvalidInput)
	}

	store, err := migration.NewEncryptedFileRecordStore(*path, *passphrase)
	if err != nil {
		writeStderrln(err.Error(), exitStoreFailed)
	}
	rows := make([]map[string]any, 0)
	for _, rec := range store.All() {
		rows = append(rows, map[string]any{
			"conversation_id": rec.ConversationID,
			"status":          rec.Status,
			"verified_at":     rec.VerifiedAt,
		})
	}
	if err := printJSON(map[string]any{"migrations": rows}); err != nil {
		writeStderrln(err.Error(), exitStoreFailed)
	}
	os.Exit(exitOK)
}

func runSamples(args []string) {
	fs := flag.NewFlagSet("samples", flag.ExitOnError)
	path := fs.String("store", "", "path to the encrypted sample archive")
	passphrase := fs.String("passphrase", "", "archive passphrase")
	conversation := fs.String("conversation", "", "conversation id")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*path) == "" || strings.TrimSpace(*conversation) == "" {
		writeStderrln("store and conversation are required", exitInvalidInput)
	}

	archive, err := history.NewEncryptedPersistentArchive(*path, *passphrase)
	if err != nil {
		writeStderrln(err.Error(), exitStoreFailed)
	}
	rows := make([]map[string]any, 0)
	for _, sample := range archive.Recent(*conversation, 0) {
		rows = append(rows, map[string]any{
			"epoch":       sample.Epoch,
			"recorded_at": sample.RecordedAt,
			"size":        len(sample.Ciphertext),
		})
	}
	if err := printJSON(map[string]any{
		"conversation_id": *conversation,
		"count":           archive.Count(*conversation),
		"samples":         rows,
	}); err != nil {
		writeStderrln(err.Error(), exitStoreFailed)
	}
	os.Exit(exitOK)
}

func runDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to keycore.yaml (optional)")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	cfg := engine.LoadFromPath(*configPath)
	if err := printJSON(map[string]any{
		"data_dir":                 cfg.DataDir,
		"cache_idle_ttl":           cfg.CacheIdleTTL.String(),
		"cache_max_entries":        cfg.CacheMaxEntries,
		"record_ttl":               cfg.RecordTTL.String(),
		"samples_per_conversation": cfg.SamplesPerConversation,
		"wrap_issuance_rps":        cfg.WrapIssuanceRPS,
		"wrap_issuance_burst":      cfg.WrapIssuanceBurst,
		"network": map[string]any{
			"transport":       cfg.Network.Transport,
			"port":            cfg.Network.Port,
			"min_peers":       cfg.Network.MinPeers,
			"store_failover":  cfg.Network.StoreFailover,
			"bootstrap_nodes": cfg.Network.BootstrapNodes,
		},
	}); err != nil {
		writeStderrln(err.Error(), exitStoreFailed)
	}
	os.Exit(exitOK)
}

func printJSON(value any) error {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(raw))
	return err
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: keycorectl <identity|records|migrations|samples|doctor> [flags]")
}

func writeStderrln(msg string, code int) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(code)
}
