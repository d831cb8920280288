package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/troncoil/build"
	"gitlab.com/arcanecrypto/troncoil/build/tronlog"
	"gitlab.com/arcanecrypto/troncoil/config"
	"gitlab.com/arcanecrypto/troncoil/db"
	"gitlab.com/arcanecrypto/troncoil/models/forms"
	"gitlab.com/arcanecrypto/troncoil/models/transactions"
	"gitlab.com/arcanecrypto/troncoil/monitor"
	"gitlab.com/arcanecrypto/troncoil/payments"
	"gitlab.com/arcanecrypto/troncoil/tronscan"
)

var log = build.AddSubLogger("MAIN")

// engine bundles the wired components a command works with
type engine struct {
	pool    *db.Pool
	manager *payments.Manager
	monitor *monitor.Monitor
}

func newEngine() (*engine, error) {
	conf, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	pool, err := db.Open(db.DatabaseConfig{
		Path:              conf.DatabasePath,
		PoolSize:          conf.DBPoolSize,
		ConnectionTimeout: conf.DBConnectionTimeout,
		PoolTimeout:       conf.DBPoolTimeout,
		CacheSize:         conf.DBCacheSize,
		MmapSize:          conf.DBMmapSize,
	})
	if err != nil {
		return nil, err
	}

	explorer, err := tronscan.New(tronscan.Config{
		BaseURL:           conf.TronScanAPIURL,
		RequestsPerMinute: conf.APIRequestsPerMinute,
		CacheTTL:          conf.APICacheTTL,
	})
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	manager := payments.NewManager(pool, explorer, conf)
	mon, err := monitor.New(pool, explorer, manager, conf)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	return &engine{pool: pool, manager: manager, monitor: mon}, nil
}

func (e *engine) close() {
	if err := e.pool.Close(); err != nil {
		log.WithError(err).Error("Could not close database")
	}
}

func createCommand() cli.Command {
	return cli.Command{
		Name:  "create",
		Usage: "Create a payment form and print its payment URL and QR code",
		Flags: []cli.Flag{
			cli.Float64Flag{Name: "amount", Usage: "base amount to request"},
			cli.StringFlag{Name: "currency", Value: "USDT", Usage: "TRX or USDT"},
			cli.StringFlag{Name: "description", Usage: "optional payment description"},
			cli.StringFlag{Name: "user", Usage: "rate-limit key for the requesting user"},
			cli.IntFlag{Name: "expires-hours", Usage: "form lifetime in hours, default from env"},
		},
		Action: func(c *cli.Context) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer eng.close()

			view, err := eng.manager.CreateForm(payments.CreateFormParams{
				Amount:       c.Float64("amount"),
				Currency:     c.String("currency"),
				Description:  c.String("description"),
				UserKey:      c.String("user"),
				ExpiresHours: c.Int("expires-hours"),
			})
			if err != nil {
				return err
			}

			return printForm(eng.manager, view)
		},
	}
}

func printForm(manager *payments.Manager, view *payments.FormView) error {
	paymentURL, err := manager.PaymentURL(view.FormID)
	if err != nil {
		return err
	}
	qrData, err := manager.PaymentQRData(view.FormID)
	if err != nil {
		return err
	}
	code, err := qrcode.New(qrData, qrcode.Medium)
	if err != nil {
		return err
	}

	fmt.Printf("Form ID:      %s\n", view.FormID)
	fmt.Printf("Send exactly: %.4f %s\n", view.Amount, view.Currency)
	fmt.Printf("Expires:      %s\n", view.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("Payment URL:  %s\n\n", paymentURL)
	fmt.Println(code.ToSmallString(false))
	return nil
}

func statusCommand() cli.Command {
	return cli.Command{
		Name:      "status",
		Usage:     "Show the payment status of a form",
		ArgsUsage: "<form-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.NewExitError("expected exactly one form id", 1)
			}

			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer eng.close()

			status, err := eng.manager.CheckPaymentStatus(c.Args().First())
			if err != nil {
				return err
			}
			if status == nil {
				fmt.Println("not_found")
				return nil
			}

			fmt.Printf("State:    %s\n", status.State)
			fmt.Printf("Amount:   %.4f %s\n", status.Form.Amount, status.Form.Currency)
			if status.Transaction != nil {
				fmt.Printf("Tx:       %s\n", status.Transaction.TransactionID)
				fmt.Printf("From:     %s\n", status.Transaction.FromAddress)
			}
			return nil
		},
	}
}

func monitorCommand() cli.Command {
	return cli.Command{
		Name:  "monitor",
		Usage: "Run the reconciliation loop until interrupted",
		Flags: []cli.Flag{
			cli.DurationFlag{Name: "interval", Value: monitor.DefaultInterval,
				Usage: "pause between reconciliation cycles"},
		},
		Action: func(c *cli.Context) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer eng.close()

			if err := eng.monitor.StartMonitoring(c.Duration("interval")); err != nil {
				return err
			}
			awaitInterrupt()
			eng.monitor.StopMonitoring()
			return nil
		},
	}
}

func demoCommand() cli.Command {
	return cli.Command{
		Name:  "demo",
		Usage: "Create a form and wait for it to be paid",
		Flags: []cli.Flag{
			cli.Float64Flag{Name: "amount", Value: 10, Usage: "base amount to request"},
			cli.StringFlag{Name: "currency", Value: "USDT", Usage: "TRX or USDT"},
		},
		Action: func(c *cli.Context) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer eng.close()

			view, err := eng.manager.CreateForm(payments.CreateFormParams{
				Amount:      c.Float64("amount"),
				Currency:    c.String("currency"),
				Description: "demo payment",
			})
			if err != nil {
				return err
			}
			if err := printForm(eng.manager, view); err != nil {
				return err
			}

			paid := make(chan struct{})
			eng.monitor.RegisterPaymentCallback(view.FormID,
				func(form forms.Form, tx transactions.Transaction) {
					fmt.Printf("Payment received: %s\n", tx.TransactionID)
					close(paid)
				})

			if err := eng.monitor.StartMonitoring(monitor.DefaultInterval); err != nil {
				return err
			}
			defer eng.monitor.StopMonitoring()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
			select {
			case <-paid:
			case <-interrupt:
				fmt.Println("Interrupted while waiting for payment")
			}
			return nil
		},
	}
}

func awaitInterrupt() {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
}

func main() {
	app := cli.NewApp()
	app.Name = "troncoil"
	app.Usage = "TRON payment reconciliation engine"
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "logging.level", Value: "info", Usage: "log level for all subsystems"},
		cli.StringFlag{Name: "logging.file", Usage: "also write logs to this file"},
	}
	app.Before = func(c *cli.Context) error {
		level, err := tronlog.ToLogLevel(c.GlobalString("logging.level"))
		if err != nil {
			return err
		}
		build.SetLogLevels(level)

		if file := c.GlobalString("logging.file"); file != "" {
			return build.SetLogFile(file)
		}
		return nil
	}
	app.Commands = []cli.Command{
		createCommand(),
		statusCommand(),
		monitorCommand(),
		demoCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
