package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/jon-sully/netlify-identity-go/identity"
	"github.com/jon-sully/netlify-identity-go/internal/config"
	"github.com/jon-sully/netlify-identity-go/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %s\n", err)
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	_ = godotenv.Load()
	c := config.New()

	if len(args) == 0 {
		usage()
		return errors.New("no command given")
	}
	command, commandArgs := args[0], args[1:]

	logger := newLogger(c.GetLogLevel())
	manager, err := newManager(c, logger, fragmentFlag(commandArgs))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch command {
	case "login":
		return loginCommand(ctx, manager, commandArgs)
	case "logout":
		return manager.Logout(ctx)
	case "signup":
		return signupCommand(ctx, manager, commandArgs)
	case "recover":
		return recoverCommand(ctx, manager, commandArgs)
	case "confirm":
		// The fragment flag carried the one-time token; Start already ran
		// the exchange. Show where it landed.
		return whoamiCommand(manager)
	case "set-password":
		return setPasswordCommand(ctx, manager, commandArgs)
	case "update":
		return updateCommand(ctx, manager, commandArgs)
	case "whoami":
		return whoamiCommand(manager)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func newManager(c config.Config, logger zerolog.Logger, fragment string) (*identity.Manager, error) {
	siteURL := c.GetSiteURL()
	if siteURL == "" {
		return nil, errors.New("IDENTITY_SITE_URL is not set")
	}

	lead, err := time.ParseDuration(c.GetRefreshLead())
	if err != nil {
		return nil, fmt.Errorf("parsing IDENTITY_REFRESH_LEAD: %w", err)
	}

	st, err := store.NewFileStore(c.GetStateFile())
	if err != nil {
		return nil, err
	}

	manager, err := identity.New(siteURL, st,
		identity.WithLogger(logger),
		identity.WithRefreshLeadTime(lead),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Start(ctx, fragment); err != nil {
		return nil, err
	}
	return manager, nil
}

func loginCommand(ctx context.Context, manager *identity.Manager, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	addFragmentFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := manager.Login(ctx, *email, *password); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", manager.User().Email())
	return nil
}

func signupCommand(ctx context.Context, manager *identity.Manager, args []string) error {
	fs := flag.NewFlagSet("signup", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	fullName := fs.String("full-name", "", "display name")
	addFragmentFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	props := map[string]any{"email": *email, "password": *password}
	if *fullName != "" {
		props["data"] = map[string]any{"full_name": *fullName}
	}
	if err := manager.Signup(ctx, props); err != nil {
		return err
	}
	if manager.LoggedIn() {
		fmt.Printf("Signed up and logged in as %s\n", manager.User().Email())
		return nil
	}
	fmt.Printf("Signed up as %s - check your email for a confirmation link\n", manager.ProvisionalUser().Email())
	return nil
}

func recoverCommand(ctx context.Context, manager *identity.Manager, args []string) error {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	addFragmentFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	resp, err := manager.SendPasswordRecovery(ctx, *email)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	fmt.Printf("Recovery email requested for %s (status %d)\n", *email, resp.StatusCode)
	return nil
}

func setPasswordCommand(ctx context.Context, manager *identity.Manager, args []string) error {
	fs := flag.NewFlagSet("set-password", flag.ExitOnError)
	password := fs.String("password", "", "new password")
	fullName := fs.String("full-name", "", "display name (invite completion)")
	addFragmentFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := map[string]any{}
	if *fullName != "" {
		rest["full_name"] = *fullName
	}
	if err := manager.CompleteURLTokenTwoStep(ctx, *password, rest); err != nil {
		return err
	}
	return whoamiCommand(manager)
}

func updateCommand(ctx context.Context, manager *identity.Manager, args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	email := fs.String("email", "", "new email address")
	fullName := fs.String("full-name", "", "new display name")
	addFragmentFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	props := map[string]any{}
	if *email != "" {
		props["email"] = *email
	}
	if *fullName != "" {
		props["user_metadata"] = map[string]any{"full_name": *fullName}
	}
	if err := manager.Update(ctx, props); err != nil {
		return err
	}
	if manager.PendingEmailUpdate() {
		fmt.Printf("Email change to %s pending confirmation\n", manager.User().NewEmail())
	}
	fmt.Println("Profile updated")
	return nil
}

func whoamiCommand(manager *identity.Manager) error {
	if !manager.LoggedIn() {
		fmt.Println("Not logged in")
		return nil
	}
	user := manager.User()
	tok := manager.SessionToken()
	fmt.Printf("Logged in as %s (id %s)\n", user.Email(), user.ID())
	fmt.Printf("Access token expires at %s\n", tok.ExpiresAt.Format(time.RFC3339))
	if manager.PendingEmailUpdate() {
		fmt.Printf("Email change to %s pending confirmation\n", user.NewEmail())
	}
	if ut := manager.URLToken(); ut != nil {
		fmt.Printf("Awaiting follow-up for %s token - run set-password\n", ut.Kind)
	}
	return nil
}

// fragmentFlag pre-scans for -fragment so Start can consume a pasted
// email-link fragment before the subcommand runs.
func fragmentFlag(args []string) string {
	for i, arg := range args {
		if arg == "-fragment" || arg == "--fragment" {
			if i+1 < len(args) {
				return args[i+1]
			}
		}
	}
	return ""
}

func addFragmentFlag(fs *flag.FlagSet) {
	fs.String("fragment", "", "URL fragment from an identity email link (#confirmation_token=... etc.)")
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(parsed).With().Timestamp().Logger()
}

func usage() {
	figure.NewFigure("identity-cli", "cybermedium", true).Print()
	fmt.Println()
	fmt.Println("Commands: login, logout, signup, recover, confirm, set-password, update, whoami")
	fmt.Println("Most commands accept -fragment '#<kind>_token=...' pasted from an email link.")
}
