package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/engine"
	"questline/internal/engine/auth"
)

func eventCmd() *cobra.Command {
	ev := &cobra.Command{Use: "event", Short: "Manage events"}
	ev.AddCommand(eventCreateCmd(), eventListCmd(), eventShowCmd(), eventStatusCmd(), eventPrefsCmd())
	return ev
}

func eventCreateCmd() *cobra.Command {
	var opts engine.CreateEventOptions
	var allowHQ bool
	var maxPrep int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.OrgID == "" || opts.Name == "" {
				return fmt.Errorf("--org and --name required")
			}
			opts.ActorID = actor()
			opts.Preferences.AllowHQActivities = optionalBool(cmd, "allow-hq", allowHQ)
			opts.Preferences.MaxPrepMinutes = optionalInt(cmd, "max-prep", maxPrep)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateEvent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "organization id")
	cmd.Flags().StringVar(&opts.ID, "id", "", "event id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "event name")
	cmd.Flags().StringVar(&opts.SourceModel, "source-model", "", "template the event was built from")
	cmd.Flags().BoolVar(&allowHQ, "allow-hq", false, "allow HQ activities")
	cmd.Flags().IntVar(&maxPrep, "max-prep", 0, "max prep minutes")
	return cmd
}

func eventListCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an organization's events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orgID == "" {
				return fmt.Errorf("--org required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, orgID, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Name", "Status", "Created")
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.Name, ev.Status, ev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	return cmd
}

func eventShowCmd() *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.GetEvent(ctx, eventID, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	return cmd
}

func eventStatusCmd() *cobra.Command {
	var eventID, status string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Move an event forward (draft, active, completed, archived)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.SetEventStatus(ctx, eventID, status, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().StringVar(&status, "status", "", "target status")
	return cmd
}

func eventPrefsCmd() *cobra.Command {
	var eventID string
	var allowHQ bool
	var maxPrep int
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Update event preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.EventPreferencesPatch{
				AllowHQActivities: optionalBool(cmd, "allow-hq", allowHQ),
				MaxPrepMinutes:    optionalInt(cmd, "max-prep", maxPrep),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.UpdateEventPreferences(ctx, eventID, patch, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().BoolVar(&allowHQ, "allow-hq", false, "allow HQ activities")
	cmd.Flags().IntVar(&maxPrep, "max-prep", 0, "max prep minutes")
	return cmd
}

func stationCmd() *cobra.Command {
	st := &cobra.Command{Use: "station", Short: "Manage stations"}

	var opts engine.AddStationOptions
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a station",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AddStation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	add.Flags().StringVar(&opts.EventID, "event", "", "event id")
	add.Flags().IntVar(&opts.Sequence, "seq", 0, "route order")
	add.Flags().StringVar(&opts.Name, "name", "", "station name")
	add.Flags().StringVar(&opts.Description, "desc", "", "description")
	add.Flags().StringVar(&opts.Activity, "activity", "", "activity played at the station")

	var eventID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List stations in route order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stations, err := e.ListStations(ctx, eventID, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stations)
				}
				tw := newTable("Seq", "ID", "Name", "Activity")
				for _, s := range stations {
					tw.AppendRow(table.Row{s.Sequence, s.ID, s.Name, s.Activity})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&eventID, "event", "", "event id")

	st.AddCommand(add, list)
	return st
}

func teamCmd() *cobra.Command {
	tm := &cobra.Command{Use: "team", Short: "Manage teams"}

	var opts engine.AddTeamOptions
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a team with a 4-digit access code",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTeam(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	add.Flags().StringVar(&opts.EventID, "event", "", "event id")
	add.Flags().StringVar(&opts.Code, "code", "", "4-digit access code")
	add.Flags().StringVar(&opts.Name, "name", "", "team name")
	add.Flags().StringVar(&opts.Color, "color", "", "team color")
	add.Flags().StringVar(&opts.Emblem, "emblem", "", "team emblem")
	add.Flags().IntVar(&opts.Capacity, "capacity", 0, "max players")

	var eventID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				teams, err := e.ListTeams(ctx, eventID, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(teams)
				}
				tw := newTable("ID", "Name", "Code", "Status")
				for _, t := range teams {
					tw.AppendRow(table.Row{t.ID, t.Name, t.AccessCode, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&eventID, "event", "", "event id")

	var statusEvent, teamID, status string
	setStatus := &cobra.Command{
		Use:   "status",
		Short: "Set a team's status (active, inactive, completed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTeamStatus(ctx, statusEvent, teamID, status, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	setStatus.Flags().StringVar(&statusEvent, "event", "", "event id")
	setStatus.Flags().StringVar(&teamID, "team", "", "team id")
	setStatus.Flags().StringVar(&status, "status", "", "team status")

	tm.AddCommand(add, list, setStatus)
	return tm
}

func missionCmd() *cobra.Command {
	ms := &cobra.Command{Use: "mission", Short: "Manage mission overrides"}
	ms.AddCommand(missionAddCmd(), missionUpdateCmd(), missionListCmd())
	return ms
}

func missionAddCmd() *cobra.Command {
	var opts engine.AddMissionOptions
	var enabled bool
	var expected, p95 int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Customize a template mission for an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actor()
			opts.Enabled = optionalBool(cmd, "enabled", enabled)
			opts.ExpectedMinutes = optionalInt(cmd, "expected", expected)
			opts.P95Minutes = optionalInt(cmd, "p95", p95)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMissionOverride(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.EventID, "event", "", "event id")
	cmd.Flags().StringVar(&opts.MissionID, "mission-id", "", "template mission id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "desc", "", "description")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "mission is playable")
	cmd.Flags().BoolVar(&opts.RequiresVideo, "video", false, "requires video")
	cmd.Flags().BoolVar(&opts.RequiresPhoto, "photo", false, "requires photo")
	cmd.Flags().BoolVar(&opts.RequiresActor, "actor", false, "requires an actor on site")
	cmd.Flags().StringSliceVar(&opts.Props, "props", nil, "props list")
	cmd.Flags().IntVar(&expected, "expected", 0, "expected minutes")
	cmd.Flags().IntVar(&p95, "p95", 0, "p95 minutes")
	return cmd
}

func missionUpdateCmd() *cobra.Command {
	var eventID, id, title, desc string
	var enabled, video, photo, onSite bool
	var props []string
	var expected, p95 int
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Patch a mission override's content",
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.MissionOverridePatch{
				Title:           optionalString(cmd, "title", title),
				Description:     optionalString(cmd, "desc", desc),
				Enabled:         optionalBool(cmd, "enabled", enabled),
				RequiresVideo:   optionalBool(cmd, "video", video),
				RequiresPhoto:   optionalBool(cmd, "photo", photo),
				RequiresActor:   optionalBool(cmd, "actor", onSite),
				ExpectedMinutes: optionalInt(cmd, "expected", expected),
				P95Minutes:      optionalInt(cmd, "p95", p95),
			}
			if cmd.Flags().Changed("props") {
				patch.Props = &props
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMissionOverride(ctx, eventID, id, patch, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().StringVar(&id, "id", "", "mission override id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "mission is playable")
	cmd.Flags().BoolVar(&video, "video", false, "requires video")
	cmd.Flags().BoolVar(&photo, "photo", false, "requires photo")
	cmd.Flags().BoolVar(&onSite, "actor", false, "requires an actor on site")
	cmd.Flags().StringSliceVar(&props, "props", nil, "props list")
	cmd.Flags().IntVar(&expected, "expected", 0, "expected minutes")
	cmd.Flags().IntVar(&p95, "p95", 0, "p95 minutes")
	return cmd
}

func missionListCmd() *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mission overrides with render status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missions, err := e.ListMissionOverrides(ctx, eventID, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := newTable("ID", "Mission", "Title", "Enabled", "Render", "Asset")
				for _, m := range missions {
					tw.AppendRow(table.Row{m.ID, m.MissionID, m.Title, m.Enabled, m.RenderStatus, m.RenderAssetURL})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	return cmd
}

func assignCmd() *cobra.Command {
	var opts engine.AssignOptions
	var required bool
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Bind a team's mission to a station",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actor()
			opts.Required = optionalBool(cmd, "required", required)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AssignMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.EventID, "event", "", "event id")
	cmd.Flags().StringVar(&opts.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&opts.MissionID, "mission", "", "mission override id")
	cmd.Flags().StringVar(&opts.StationID, "station", "", "station id")
	cmd.Flags().BoolVar(&required, "required", true, "team must play the mission")
	return cmd
}

func compileCmd() *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Enqueue render jobs for the event's mission overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompileEvent(ctx, eventID, auth.User{ID: actor()})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Enqueued %d of %d mission overrides\n", res.Enqueued, res.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	return cmd
}

func playCmd() *cobra.Command {
	pl := &cobra.Command{Use: "play", Short: "Play an event as a team (for rehearsals)"}

	var eventID, code, from, node, state string
	teamAuth := func(ctx context.Context, e engine.Engine) (engine.TeamAuth, error) {
		return e.AuthenticateTeam(ctx, eventID, code)
	}

	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Check an access code and show the team's position",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ta, err := teamAuth(ctx, e)
				if err != nil {
					return err
				}
				pos, err := e.Position(ctx, eventID, ta.Team.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"team": ta.Team, "route_id": ta.RouteID, "position": pos})
			})
		},
	}

	next := &cobra.Command{
		Use:   "next",
		Short: "Leave --from (empty to start) and get the next station",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ta, err := teamAuth(ctx, e)
				if err != nil {
					return err
				}
				dec, err := e.RouteNext(ctx, eventID, ta.Team.ID, from)
				if err != nil {
					return err
				}
				return printJSONOrTable(dec)
			})
		},
	}
	next.Flags().StringVar(&from, "from", "", "station being left")

	visit := &cobra.Command{
		Use:   "visit",
		Short: "Append a visit to the team's log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ta, err := teamAuth(ctx, e)
				if err != nil {
					return err
				}
				v, err := e.LogVisit(ctx, engine.LogVisitInput{EventID: eventID, TeamID: ta.Team.ID, NodeID: node, State: state})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	visit.Flags().StringVar(&node, "node", "", "station id")
	visit.Flags().StringVar(&state, "state", "", "enter|complete|fail")

	pl.PersistentFlags().StringVar(&eventID, "event", "", "event id")
	pl.PersistentFlags().StringVar(&code, "code", "", "team access code")
	pl.AddCommand(authCmd, next, visit)
	return pl
}

func visitsCmd() *cobra.Command {
	var eventID, teamID string
	var limit int
	cmd := &cobra.Command{
		Use:   "visits",
		Short: "Show the visit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				visits, err := e.ListVisits(ctx, eventID, teamID, actor(), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(visits)
				}
				tw := newTable("Seq", "TS", "Team", "Node", "State")
				for _, v := range visits {
					tw.AppendRow(table.Row{v.Seq, v.TS, v.TeamID, v.NodeID, v.State})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().StringVar(&teamID, "team", "", "team filter")
	cmd.Flags().IntVar(&limit, "n", 100, "max entries")
	return cmd
}

func renderCmd() *cobra.Command {
	rd := &cobra.Command{Use: "render", Short: "Render jobs and status callbacks"}

	var p engine.RenderStatusPayload
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Apply a render status as the render worker would",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyRenderStatus(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	apply.Flags().StringVar(&p.EventMissionID, "mission", "", "mission override id")
	apply.Flags().StringVar(&p.Status, "status", "", "queued|processing|ready|failed")
	apply.Flags().StringVar(&p.AssetURL, "asset-url", "", "rendered asset URL (required for ready)")
	apply.Flags().StringVar(&p.ErrorMessage, "error", "", "failure message")

	var eventID, status string
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "List render jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRenderJobs(ctx, eventID, status, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Mission", "Status", "Requested by", "Updated")
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.EventMissionID, j.Status, j.RequestedBy, j.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	jobs.Flags().StringVar(&eventID, "event", "", "event id")
	jobs.Flags().StringVar(&status, "status", "", "status filter")

	rd.AddCommand(apply, jobs)
	return rd
}
