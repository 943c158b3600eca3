package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/spf13/pflag"

	"github.com/aussiebroadwan/sunga/internal/app"
	"github.com/aussiebroadwan/sunga/internal/proxy"
	"github.com/aussiebroadwan/sunga/pkg/authsdk"
)

const usage = `usage: sunga [global flags] <command> [flags]

commands:
  login     sign in with username and password
  verify    complete a second factor challenge
  register  create a patient account and sign in
  logout    sign out
  status    print the session state
  whoami    fetch and print the signed in profile
  refresh   renew the token pair now
  proxy     run a local proxy that adds the session token
  totp      print the current code for a TOTP secret`

// userError carries a message fit for the terminal while keeping the cause.
type userError struct {
	msg string
	err error
}

func (e *userError) Error() string { return e.msg }
func (e *userError) Unwrap() error { return e.err }

func failure(err error) error {
	return &userError{msg: authsdk.UserMessage(err), err: err}
}

func run(
	ctx context.Context,
	getenv func(string) string,
	getwd func() (string, error),
	args []string,
	std streams,
) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	cfg, rest, err := app.Load(wd, getenv, args)
	if err != nil {
		return err
	}

	if len(rest) == 0 {
		fmt.Fprintln(std.err, usage)
		return errors.New("no command given")
	}

	name, cmdArgs := rest[0], rest[1:]

	// totp needs no session
	if name == "totp" {
		return cmdTOTP(cmdArgs, std)
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintln(std.err, usage)
		return fmt.Errorf("unknown command %q", name)
	}

	application, err := app.New(ctx, cfg, std.err)
	if err != nil {
		return err
	}
	defer func() { _ = application.Close() }()

	return cmd(ctx, application, cfg, cmdArgs, std)
}

type command func(ctx context.Context, a *app.Application, cfg app.Config, args []string, std streams) error

var commands = map[string]command{
	"login":    cmdLogin,
	"verify":   cmdVerify,
	"register": cmdRegister,
	"logout":   cmdLogout,
	"status":   cmdStatus,
	"whoami":   cmdWhoami,
	"refresh":  cmdRefresh,
	"proxy":    cmdProxy,
}

func cmdLogin(ctx context.Context, a *app.Application, _ app.Config, args []string, std streams) error {
	fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
	username := fs.StringP("username", "u", "", "Username")
	password := fs.StringP("password", "p", "", "Password (read from stdin when empty)")
	code := fs.StringP("code", "c", "", "TOTP code, prompted for when the account needs one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := bufio.NewReader(std.in)

	if *username == "" {
		*username = prompt(in, std.out, "Username: ")
	}
	if *password == "" {
		*password = prompt(in, std.out, "Password: ")
	}

	res := a.Manager.Login(ctx, *username, *password)
	if res.RequireSecondFactor {
		pending := res.UserID
		if *code == "" {
			*code = prompt(in, std.out, "Authentication code: ")
		}
		res = a.Manager.VerifyPendingChallenge(ctx, *code)
		if !res.Success {
			return &userError{
				msg: fmt.Sprintf("%s (retry with: sunga verify --user-id %d --code <code>)", res.Error, pending),
				err: res.Err,
			}
		}
	}
	if !res.Success {
		return failure(res.Err)
	}

	return printSignedIn(a, std)
}

func cmdVerify(ctx context.Context, a *app.Application, _ app.Config, args []string, std streams) error {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	userID := fs.Int64("user-id", 0, "User id returned by the challenge")
	code := fs.StringP("code", "c", "", "TOTP code")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var pending *int64
	if fs.Changed("user-id") {
		pending = userID
	}

	res := a.Manager.VerifySecondFactor(ctx, pending, *code)
	if !res.Success {
		return failure(res.Err)
	}

	return printSignedIn(a, std)
}

func cmdRegister(ctx context.Context, a *app.Application, _ app.Config, args []string, std streams) error {
	var req authsdk.RegisterRequest

	fs := pflag.NewFlagSet("register", pflag.ContinueOnError)
	fs.StringVarP(&req.Username, "username", "u", "", "Username")
	fs.StringVarP(&req.Password, "password", "p", "", "Password")
	fs.StringVar(&req.Email, "email", "", "Email address")
	fs.StringVar(&req.FirstName, "first-name", "", "First name")
	fs.StringVar(&req.LastName, "last-name", "", "Last name")
	fs.StringVar(&req.PhoneNumber, "phone", "", "Ten digit phone number")
	fs.StringVar(&req.BloodGroup, "blood-group", "", "Blood group, e.g. O+")
	aadhar := fs.String("aadhar", "", "Optional twelve digit Aadhaar number")
	allergies := fs.String("allergies", "", "Optional allergies")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *aadhar != "" {
		req.Aadhar = aadhar
	}
	if *allergies != "" {
		req.Allergies = allergies
	}

	res := a.Manager.Register(ctx, req)
	if !res.Success {
		return failure(res.Err)
	}

	return printSignedIn(a, std)
}

func cmdLogout(ctx context.Context, a *app.Application, _ app.Config, args []string, std streams) error {
	fs := pflag.NewFlagSet("logout", pflag.ContinueOnError)
	reset := fs.Bool("reset-onboarding", false, "Also clear the first launch flag")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *reset {
		a.Manager.LogoutAndResetOnboarding(ctx)
	} else {
		a.Manager.Logout(ctx)
	}

	fmt.Fprintln(std.out, "Signed out")
	return nil
}

func cmdStatus(_ context.Context, a *app.Application, _ app.Config, _ []string, std streams) error {
	return printJSON(std.out, proxy.Describe(a.Manager))
}

func cmdWhoami(ctx context.Context, a *app.Application, _ app.Config, _ []string, std streams) error {
	user, err := a.Manager.ReloadProfile(ctx)
	if err != nil {
		return failure(err)
	}
	return printJSON(std.out, user)
}

func cmdRefresh(ctx context.Context, a *app.Application, _ app.Config, _ []string, std streams) error {
	if _, err := a.Manager.Refresh(ctx); err != nil {
		return failure(err)
	}

	st := proxy.Describe(a.Manager)
	if st.AccessExpiresAt != nil {
		fmt.Fprintf(std.out, "Token renewed, valid until %s\n", st.AccessExpiresAt.Format(time.RFC3339))
		return nil
	}
	fmt.Fprintln(std.out, "Token renewed")
	return nil
}

func cmdProxy(ctx context.Context, a *app.Application, cfg app.Config, args []string, _ streams) error {
	fs := pflag.NewFlagSet("proxy", pflag.ContinueOnError)
	addr := fs.StringP("addr", "a", cfg.ProxyAddr, "Listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p := a.Proxy()
	defer p.Close()

	return p.Serve(ctx, *addr)
}

func cmdTOTP(args []string, std streams) error {
	fs := pflag.NewFlagSet("totp", pflag.ContinueOnError)
	secret := fs.StringP("secret", "s", "", "Base32 TOTP secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" && fs.NArg() > 0 {
		*secret = fs.Arg(0)
	}
	if *secret == "" {
		return errors.New("a TOTP secret is required")
	}

	code, err := totp.GenerateCode(strings.ToUpper(*secret), time.Now())
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	fmt.Fprintln(std.out, code)
	return nil
}

func printSignedIn(a *app.Application, std streams) error {
	user := a.Manager.User()
	role, _ := a.Manager.Role()
	if user == nil {
		fmt.Fprintln(std.out, "Signed in")
		return nil
	}
	fmt.Fprintf(std.out, "Signed in as %s (%s)\n", user.DisplayName(), role)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// prompt writes label and reads one line from in.
func prompt(in *bufio.Reader, out io.Writer, label string) string {
	fmt.Fprint(out, label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}
