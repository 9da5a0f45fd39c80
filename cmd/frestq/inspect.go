package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/frestq/frestq/pkg/config"
	"github.com/frestq/frestq/pkg/node"
	"github.com/frestq/frestq/pkg/storage"
	"github.com/frestq/frestq/pkg/types"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func init() {
	tasksCmd.Flags().Int("limit", 20, "Maximum number of rows to show")
	messagesCmd.Flags().Int("limit", 20, "Maximum number of rows to show")
	treeCmd.Flags().Bool("with-parents", false, "Start the tree at the root ancestor")

	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(finishCmd)
	rootCmd.AddCommand(activityCmd)
}

// openStore opens the node database read-write for inspection commands.
func openStore(cmd *cobra.Command) (*config.Config, storage.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewSQLiteStore(context.Background(), cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %v", err)
	}
	return cfg, store, nil
}

// parseFilters turns key=value arguments into a column filter map.
func parseFilters(args []string) (map[string]string, error) {
	filters := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid filter %q, expected key=value", arg)
		}
		filters[key] = value
	}
	return filters, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var tasksCmd = &cobra.Command{
	Use:   "tasks [key=value ...]",
	Short: "List tasks, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		filters, err := parseFilters(args)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, err := store.ListTasks(context.Background(), filters, limit)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %v", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"small id", "sender_url", "action", "queue",
			"task_type", "status", "created_date"})
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, t := range tasks {
			table.Append([]string{shortID(t.ID), t.SenderURL, t.Action,
				t.QueueName, string(t.TaskType), string(t.Status),
				t.CreatedDate.Format(time.RFC3339)})
		}
		table.Render()
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages [key=value ...]",
	Short: "List messages, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		filters, err := parseFilters(args)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		msgs, err := store.ListMessages(context.Background(), filters, limit)
		if err != nil {
			return fmt.Errorf("failed to list messages: %v", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"small id", "sender_url", "action", "queue",
			"created_date", "input_data"})
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, m := range msgs {
			input := string(m.InputData)
			if len(input) > 30 {
				input = input[:30]
			}
			table.Append([]string{shortID(m.ID), m.SenderURL, m.Action,
				m.QueueName, m.CreatedDate.Format(time.RFC3339), input})
		}
		table.Render()
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task ID",
	Short: "Show one task as JSON, looked up by id prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		task, err := store.GetTaskByPrefix(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("task %s not found", args[0])
		}
		return printJSON(task)
	},
}

var messageCmd = &cobra.Command{
	Use:   "message ID",
	Short: "Show one message as JSON, looked up by id prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		msg, err := store.GetMessageByPrefix(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("message %s not found", args[0])
		}
		return printJSON(msg)
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var treeCmd = &cobra.Command{
	Use:   "tree ID",
	Short: "Show a task and its subtasks as a tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		task, err := store.GetTaskByPrefix(ctx, args[0])
		if err != nil {
			return fmt.Errorf("task %s not found", args[0])
		}

		withParents, _ := cmd.Flags().GetBool("with-parents")
		if withParents {
			for task.ParentID != "" {
				parent, err := store.GetTask(ctx, task.ParentID)
				if err != nil {
					fmt.Printf("task %s, which is the parent of %s not found\n",
						shortID(task.ParentID), shortID(task.ID))
					break
				}
				task = parent
			}
		}
		return printTree(ctx, store, task, args[0], 0)
	},
}

// printTree prints one task in oneline format and recurses into its
// subtasks in order.
func printTree(ctx context.Context, store storage.Store, task *types.Task, baseID string, level int) error {
	var indent string
	switch {
	case level == 0:
		indent = " *"
	case level == 1:
		indent = "   |-"
	default:
		indent = "   " + strings.Repeat("|  ", level-1) + "|-"
	}

	extra := []string{shortID(task.ID), string(task.Status)}
	if strings.HasPrefix(task.ID, baseID) && level == 0 {
		extra = append(extra, "root")
	}
	fmt.Printf("%s %s.%s - %s (%s)\n", indent, task.Action, task.QueueName,
		task.TaskType, strings.Join(extra, ", "))

	children, err := store.Children(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := printTree(ctx, store, child, baseID, level+1); err != nil {
			return err
		}
	}
	return nil
}

var finishCmd = &cobra.Command{
	Use:   "finish ID DATA",
	Short: "Finish an external task with the given JSON output data",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var data json.RawMessage
		if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
			return fmt.Errorf("invalid output data: %v", err)
		}

		ctx := context.Background()
		n, err := node.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create node: %v", err)
		}
		defer n.Stop(ctx)

		task, err := n.Store().GetTaskByPrefix(ctx, args[0])
		if err != nil {
			return fmt.Errorf("task %s not found", args[0])
		}
		if err := n.Engine().FinishExternalTask(ctx, task.ID, data); err != nil {
			return fmt.Errorf("failed to finish task: %v", err)
		}
		fmt.Printf("✓ Task finished: %s\n", shortID(task.ID))
		return nil
	},
}

// poolActivity is the aggregated view of one queue pool in the activity log.
type poolActivity struct {
	CreationDate string       `json:"creation_date"`
	Max          int          `json:"max,omitempty"`
	Executing    []runningJob `json:"executing"`
	Errors       int          `json:"errors"`
}

type runningJob struct {
	FuncName   string `json:"func_name"`
	LaunchTime string `json:"launch_time"`
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Aggregate the activity log into a per-pool summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		file, err := os.Open(cfg.ActivityLogPath())
		if err != nil {
			return fmt.Errorf("failed to open activity log: %v", err)
		}
		defer file.Close()

		summary := struct {
			StartDate string                   `json:"start_date"`
			Pools     map[string]*poolActivity `json:"pools"`
		}{Pools: map[string]*poolActivity{}}

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			var entry struct {
				Time     string `json:"time"`
				Action   string `json:"action"`
				Queue    string `json:"queue"`
				FuncName string `json:"func_name"`
				Max      int    `json:"max"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				continue
			}

			pool := summary.Pools[entry.Queue]
			switch entry.Action {
			case "START":
				summary.StartDate = entry.Time
				summary.Pools = map[string]*poolActivity{}
			case "CREATE_QUEUE":
				if pool == nil {
					summary.Pools[entry.Queue] = &poolActivity{
						CreationDate: entry.Time,
						Executing:    []runningJob{},
					}
				}
			case "SET_QUEUE_MAX":
				if pool == nil {
					pool = &poolActivity{CreationDate: entry.Time, Executing: []runningJob{}}
					summary.Pools[entry.Queue] = pool
				}
				pool.Max = entry.Max
			case "EVENT_JOB_LAUNCHING":
				if pool == nil {
					continue
				}
				pool.Executing = append(pool.Executing, runningJob{
					FuncName:   entry.FuncName,
					LaunchTime: entry.Time,
				})
			case "EVENT_JOB_EXECUTED", "EVENT_JOB_ERROR", "EVENT_JOB_MISSED":
				if pool == nil {
					continue
				}
				for i, job := range pool.Executing {
					if job.FuncName == entry.FuncName {
						pool.Executing = append(pool.Executing[:i], pool.Executing[i+1:]...)
						break
					}
				}
				if entry.Action == "EVENT_JOB_ERROR" {
					pool.Errors++
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read activity log: %v", err)
		}
		return printJSON(summary)
	},
}
