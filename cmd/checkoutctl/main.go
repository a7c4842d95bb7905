// Command checkoutctl — операторская утилита сервиса воронки: миграции,
// переотправка DLQ, разбор сессий через admin gRPC и просмотр каталога.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/funnel/internal/version"
)

const defaultCommandTimeout = 30 * time.Second

// rootOptions — общие флаги и подменяемые в тестах зависимости.
type rootOptions struct {
	timeout time.Duration
	deps    dependencies
}

func newRootCommand(deps dependencies) *cobra.Command {
	opts := &rootOptions{deps: deps.withDefaults()}

	cmd := &cobra.Command{
		Use:           "checkoutctl",
		Short:         "Operator tool for the checkout funnel service",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultCommandTimeout, "timeout for the whole command")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newDLQCommand(opts))
	cmd.AddCommand(newSessionCommand(opts))
	cmd.AddCommand(newCatalogCommand(opts))
	return cmd
}

// env возвращает значение флага, а если он пуст, переменную окружения.
func (o *rootOptions) env(flagValue, key string) string {
	if flagValue != "" {
		return flagValue
	}
	value, _ := o.deps.lookupEnv(key)
	return value
}

func main() {
	if err := newRootCommand(dependencies{}).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
