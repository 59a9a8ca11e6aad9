package main

import (
	"context"
	"fmt"
	"strings"

	"marginalia/pkg/store"
	"marginalia/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func followStateStyle(state types.FollowState) lipgloss.Style {
	switch state {
	case types.FollowAccepted:
		return accentValueStyle
	case types.FollowRejected:
		return lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	}
}

func createPanel(title, content string) string {
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

type actorStatus struct {
	Handle      string
	Kind        types.ActorKind
	Followers   int
	Annotations int
}

type statusReport struct {
	BaseURL     string
	Actors      []actorStatus
	Annotations int
	Follows     []types.Follow
}

// collectStatus summarizes local state. Annotation counts per actor cover
// only what that actor authored.
func collectStatus(ctx context.Context, baseURL string, st *store.Store, actorURI func(string) string) (*statusReport, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	report := &statusReport{BaseURL: baseURL}
	for _, u := range users {
		followers, err := st.ListFollowers(ctx, u.Handle)
		if err != nil {
			return nil, fmt.Errorf("failed to list followers of %s: %w", u.Handle, err)
		}
		authored, err := st.ListAnnotationsByAuthor(ctx, actorURI(u.Handle))
		if err != nil {
			return nil, fmt.Errorf("failed to list annotations of %s: %w", u.Handle, err)
		}
		report.Actors = append(report.Actors, actorStatus{
			Handle:      u.Handle,
			Kind:        u.Kind,
			Followers:   len(followers),
			Annotations: len(authored),
		})
	}

	all, err := st.ListAnnotations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	report.Annotations = len(all)

	report.Follows, err = st.ListFollows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}
	return report, nil
}

func renderStatus(report *statusReport) string {
	var out strings.Builder

	var summary strings.Builder
	summary.WriteString(labelStyle.Render("Instance") + accentValueStyle.Render(report.BaseURL) + "\n")
	summary.WriteString(labelStyle.Render("Local actors") + valueStyle.Render(fmt.Sprintf("%d", len(report.Actors))) + "\n")
	summary.WriteString(labelStyle.Render("Annotations") + valueStyle.Render(fmt.Sprintf("%d", report.Annotations)) + "\n")
	summary.WriteString(labelStyle.Render("Tracked follows") + valueStyle.Render(fmt.Sprintf("%d", len(report.Follows))))
	out.WriteString(createPanel("MARGINALIA", summary.String()) + "\n")

	if len(report.Actors) > 0 {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return rowStyle.Foreground(fgColor)
			})
		t.Headers("HANDLE", "KIND", "FOLLOWERS", "ANNOTATIONS")
		for _, a := range report.Actors {
			t.Row(a.Handle, string(a.Kind), fmt.Sprintf("%d", a.Followers), fmt.Sprintf("%d", a.Annotations))
		}
		out.WriteString(createPanel("ACTORS", t.Render()) + "\n")
	}

	if len(report.Follows) > 0 {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return rowStyle
			})
		t.Headers("ACTOR", "OBJECT", "STATE")
		for _, f := range report.Follows {
			t.Row(f.Actor, f.Object, followStateStyle(f.State).Render(string(f.State)))
		}
		out.WriteString(createPanel("FOLLOWS", t.Render()) + "\n")
	}

	return out.String()
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local actors, followers, annotations and follows",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := collectStatus(context.Background(), cfg.BaseURL, a.store, a.dispatcher.ActorURI)
			if err != nil {
				return err
			}
			fmt.Print(renderStatus(report))
			return nil
		},
	}
}
