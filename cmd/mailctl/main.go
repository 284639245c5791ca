package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"mailcore"
	"mailcore/internal/imap"
	"mailcore/internal/smtp"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	mailcore.InitConfig(".env")

	var err error
	switch os.Args[1] {
	case "folders":
		err = runFolders()
	case "fetch":
		err = runFetch(os.Args[2:])
	case "search":
		err = runSearch(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "send":
		err = runSend(os.Args[2:])
	case "test":
		err = runTest(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		mailcore.Logger.Fatal().Err(err).Msg("Command failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: mailctl <command> [flags]

Commands:
  folders                          list IMAP folders
  fetch   -folder F [-from N -to M]  fetch messages by UID range
  search  -folder F -query Q       search messages
  watch   -folder F                follow new-mail notifications (IDLE)
  send    -to A[,B] -subject S -text T [-html H] [-attach FILE] [-no-retry]
  test    [-rcpt ADDR]             probe the SMTP server`)
}

func runFolders() error {
	handler := mailcore.NewIMAPHandler()
	defer handler.Close()

	folders, err := handler.ListFolders(mailcore.ImapAccountConfig())
	if err != nil {
		return err
	}
	return printJSON(folders)
}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	folder := fs.String("folder", "INBOX", "folder to fetch from")
	from := fs.Uint("from", 0, "start UID (0 = first)")
	to := fs.Uint("to", 0, "end UID (0 = last)")
	fs.Parse(args)

	handler := mailcore.NewIMAPHandler()
	defer handler.Close()

	messages, err := handler.FetchMessages(mailcore.ImapAccountConfig(), *folder, uint32(*from), uint32(*to))
	if err != nil {
		return err
	}
	return printJSON(messages)
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	folder := fs.String("folder", "INBOX", "folder to search")
	query := fs.String("query", "ALL", "IMAP search criteria, e.g. \"UNSEEN FROM alice@example.com\"")
	fs.Parse(args)

	handler := mailcore.NewIMAPHandler()
	defer handler.Close()

	uids, err := handler.Search(mailcore.ImapAccountConfig(), *folder, *query)
	if err != nil {
		return err
	}
	return printJSON(uids)
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	folder := fs.String("folder", "INBOX", "folder to watch")
	fs.Parse(args)

	handler := mailcore.NewIMAPHandler()
	defer handler.Close()

	cfg := mailcore.ImapAccountConfig()
	err := handler.StartIdle(cfg, *folder, func(ev imap.IdleEvent) {
		mailcore.Logger.Info().
			Str("folder", ev.Folder).
			Uint32("messages", ev.NumMessages).
			Msg("Mailbox changed")
	})
	if err != nil {
		return err
	}

	mailcore.Logger.Info().Str("folder", *folder).Msg("Watching for new mail, Ctrl+C to stop")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	return handler.StopIdle(cfg)
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "comma separated recipients")
	cc := fs.String("cc", "", "comma separated cc recipients")
	subject := fs.String("subject", "", "message subject")
	text := fs.String("text", "", "plain text body")
	html := fs.String("html", "", "HTML body")
	attach := fs.String("attach", "", "path of a file to attach")
	noRetry := fs.Bool("no-retry", false, "fail after a single attempt instead of retrying")
	fs.Parse(args)

	handler, err := mailcore.NewSMTPHandler()
	if err != nil {
		return err
	}
	defer handler.Close()

	msg := &smtp.Message{
		From:     mailcore.GetConfig().SmtpConfig.From,
		To:       splitAddrs(*to),
		Cc:       splitAddrs(*cc),
		Subject:  *subject,
		TextBody: *text,
		HTMLBody: *html,
	}
	if *attach != "" {
		att, err := smtp.AttachmentFromFile(*attach, "")
		if err != nil {
			return err
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	var result smtp.DeliveryResult
	if *noRetry {
		result = handler.SendMessageOnce(msg)
	} else {
		result = handler.SendMessage(msg)
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if result.Status != smtp.StatusSuccess {
		os.Exit(1)
	}
	return nil
}

func runTest(args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	rcpt := fs.String("rcpt", "", "address to verify on the server")
	fs.Parse(args)

	handler, err := mailcore.NewSMTPHandler()
	if err != nil {
		return err
	}
	defer handler.Close()

	if err := handler.TestConnection(*rcpt); err != nil {
		return err
	}
	mailcore.Logger.Info().Msg("SMTP server reachable")
	return nil
}

func splitAddrs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
