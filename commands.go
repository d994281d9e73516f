package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"nostr-system/internal/config"
	"nostr-system/internal/nips"
	"nostr-system/internal/nostr"
	"nostr-system/internal/relay"
	"nostr-system/internal/safesync"
	"nostr-system/internal/signer"
	"nostr-system/internal/types"
	"nostr-system/internal/util"
)

// parsePubkeys accepts hex or npub
func parsePubkeys(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		pk, err := nips.ParsePubkey(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", v, err)
		}
		out = append(out, pk)
	}
	return util.Dedupe(out), nil
}

// parseTags reads "name,value,..." flags into tags
func parseTags(values []string) [][]string {
	tags := make([][]string, 0, len(values))
	for _, v := range values {
		tags = append(tags, strings.Split(v, ","))
	}
	return tags
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newRunCmd() *cobra.Command {
	var (
		want         []string
		signerRelays bool
		metricsAddr  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the configured relays and keep profiles of wanted pubkeys fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			d, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer d.Close()

			if signerRelays && d.signer != nil {
				d.addSignerRelays(ctx)
			}

			pubkeys, err := parsePubkeys(want)
			if err != nil {
				return err
			}
			loop := d.sys.StartMetadataLoop(d.users, relay.MetadataConfig{
				Interval:  d.cfg.Metadata.Interval.Std(),
				Expiry:    d.cfg.Metadata.Expiry.Std(),
				BatchSize: d.cfg.Metadata.BatchSize,
				Kind:      nostr.KindMetadata,
			})
			loop.Want(pubkeys...)

			if metricsAddr == "" {
				metricsAddr = d.env.MetricsAddr
			}
			if metricsAddr != "" {
				go serveMetrics(ctx, metricsAddr, d.sys, cacheBackendName(d.backend))
			}

			slog.Info("running", "relays", len(d.sys.Relays()), "wanted", len(pubkeys))
			<-ctx.Done()
			slog.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&want, "want", nil, "pubkeys (hex or npub) whose profiles to prefetch")
	cmd.Flags().BoolVar(&signerRelays, "signer-relays", false, "also connect to the relays advertised by the remote signer")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address (default METRICS_ADDR)")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var (
		filter  relay.Filter
		authors []string
		since   time.Duration
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run one request across all relays and print the merged events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			pubkeys, err := parsePubkeys(authors)
			if err != nil {
				return err
			}
			filter.Authors = pubkeys
			if since > 0 {
				s := time.Now().Add(-since).Unix()
				filter.Since = &s
			}

			d, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer d.Close()

			if timeout <= 0 {
				timeout = d.cfg.RequestTimeout.Std()
			}
			events := d.sys.RequestSubscriptionTimeout(ctx, relay.NewSubscription(filter), timeout)
			for _, evt := range events {
				if err := printJSON(struct {
					*types.Event
					Relays []string `json:"relays"`
				}{evt, evt.RelaysSeen}); err != nil {
					return err
				}
			}
			slog.Info("query finished", "events", len(events))
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&filter.Kinds, "kinds", nil, "event kinds")
	cmd.Flags().StringSliceVar(&authors, "authors", nil, "authors (hex or npub)")
	cmd.Flags().StringSliceVar(&filter.IDs, "ids", nil, "event ids")
	cmd.Flags().StringSliceVar(&filter.PTags, "p", nil, "#p tag values")
	cmd.Flags().StringSliceVar(&filter.ETags, "e", nil, "#e tag values")
	cmd.Flags().StringSliceVar(&filter.TTags, "t", nil, "#t tag values")
	cmd.Flags().StringVar(&filter.Search, "search", "", "full-text search (only sent to NIP-50 relays)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum events per relay")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 24h)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request timeout (default from config)")
	return cmd
}

func newPublishCmd() *cobra.Command {
	var (
		kind    int
		tags    []string
		relayTo string
	)
	cmd := &cobra.Command{
		Use:   "publish <content>",
		Short: "Sign an event with the configured signer and publish it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			d, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer d.Close()

			evt := &types.Event{
				Kind:      kind,
				CreatedAt: time.Now().Unix(),
				Tags:      parseTags(tags),
				Content:   args[0],
			}
			if err := d.signer.SignEvent(ctx, evt); err != nil {
				return err
			}

			if relayTo != "" {
				result, err := d.sys.WriteOnceToRelay(ctx, relayTo, evt)
				if err != nil {
					return err
				}
				return printJSON(result)
			}
			return printJSON(d.sys.Publish(ctx, evt))
		},
	}
	cmd.Flags().IntVar(&kind, "kind", nostr.KindTextNote, "event kind")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "tag as comma-separated values, repeatable (e.g. t,nostr)")
	cmd.Flags().StringVar(&relayTo, "relay", "", "publish only to this relay through a temporary connection")
	return cmd
}

func newPairCmd() *cobra.Command {
	var (
		name    string
		perms   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Show a nostrconnect:// code and wait for a remote signer to accept it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			pairing, err := signer.NewPairing(config.Get().NostrConnectRelays, name, perms)
			if err != nil {
				return err
			}
			uri := pairing.URI()

			qr, err := qrcode.New(uri, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("render qr code: %w", err)
			}
			fmt.Println(qr.ToSmallString(false))
			fmt.Println(uri)
			fmt.Println()
			fmt.Println("Waiting for the signer to connect...")

			bunker, err := pairing.Await(ctx)
			if err != nil {
				return err
			}
			pubkey, err := bunker.PublicKey(ctx)
			if err != nil {
				return err
			}
			npub, err := nips.EncodePubkey(pubkey)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"remote_signer": bunker.RemotePubkey(),
				"pubkey":        pubkey,
				"npub":          npub,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "nostr-system", "client name shown by the signer")
	cmd.Flags().StringVar(&perms, "perms", "sign_event,nip44_encrypt,nip44_decrypt", "requested permissions")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the signer")
	return cmd
}

func newProfileCmd() *cobra.Command {
	var (
		name, displayName, about, picture, nip05, lud16, website string
	)
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or update your kind 0 profile without clobbering concurrent edits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			d, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer d.Close()

			pubkey, err := d.signer.PublicKey(ctx)
			if err != nil {
				return err
			}
			ss, err := safesync.New(d.sys, pubkey, nostr.KindMetadata, "")
			if err != nil {
				return err
			}
			profile := safesync.NewJsonEventSync[types.ProfileInfo](ss, d.signer)

			current, err := profile.Load(ctx)
			if err != nil {
				return err
			}

			changed := false
			set := func(flag string, dst *string, v string) {
				if cmd.Flags().Changed(flag) {
					*dst = v
					changed = true
				}
			}
			set("name", &current.Name, name)
			set("display-name", &current.DisplayName, displayName)
			set("about", &current.About, about)
			set("picture", &current.Picture, picture)
			set("nip05", &current.Nip05, nip05)
			set("lud16", &current.Lud16, lud16)
			set("website", &current.Website, website)

			if !changed {
				return printJSON(current)
			}
			results, err := profile.Persist(ctx, current)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "profile name")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&about, "about", "", "about text")
	cmd.Flags().StringVar(&picture, "picture", "", "picture URL")
	cmd.Flags().StringVar(&nip05, "nip05", "", "NIP-05 identifier")
	cmd.Flags().StringVar(&lud16, "lud16", "", "lightning address")
	cmd.Flags().StringVar(&website, "website", "", "website URL")
	return cmd
}

func newFollowCmd() *cobra.Command {
	var unfollow []string
	cmd := &cobra.Command{
		Use:   "follow [pubkey...]",
		Short: "Edit your contact list (kind 3) on top of its latest version",
		RunE: func(cmd *cobra.Command, args []string) error {
			follow, err := parsePubkeys(args)
			if err != nil {
				return err
			}
			drop, err := parsePubkeys(unfollow)
			if err != nil {
				return err
			}
			if len(follow) == 0 && len(drop) == 0 {
				return fmt.Errorf("nothing to change")
			}

			ctx, cancel := signalContext()
			defer cancel()

			d, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer d.Close()

			pubkey, err := d.signer.PublicKey(ctx)
			if err != nil {
				return err
			}
			ss, err := safesync.New(d.sys, pubkey, nostr.KindContacts, "")
			if err != nil {
				return err
			}

			contacts := safesync.NewDiffSyncTags(ss, d.signer)
			for _, pk := range follow {
				contacts.Remove("p", pk).Add("p", pk)
			}
			for _, pk := range drop {
				contacts.Remove("p", pk)
			}

			content := ""
			if base := ss.Sync(ctx); base != nil {
				content = base.Content
			}
			results, err := contacts.Persist(ctx, content)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"following": len(util.GetTagValues(contacts.Value(), "p")),
				"results":   results,
			})
		},
	}
	cmd.Flags().StringSliceVar(&unfollow, "unfollow", nil, "pubkeys to remove")
	return cmd
}
