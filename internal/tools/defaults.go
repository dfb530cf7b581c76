package tools

// ExternalActionNames lists the tools whose side effects are observable
// outside the process. The validator's evidence check is scoped to these.
var ExternalActionNames = []string{
	"send_email",
	"notify_user",
	"scheduler_create",
	"scheduler_update",
	"scheduler_delete",
	"reminder_create",
	"taskforge_create",
	"taskforge_update",
	"taskforge_move",
	"taskforge_comment",
}

// BuildDefaultRegistry assembles the built-in tool set for a project root.
// actionsEndpoint is the collaborator service handling external actions;
// empty means dry-run.
func BuildDefaultRegistry(projectRoot, actionsEndpoint string, restrictToRoot bool) *Registry {
	r := NewRegistry()

	r.Register(NewReadFileTool(projectRoot, restrictToRoot))
	r.Register(NewEditFileTool(projectRoot, restrictToRoot))
	r.Register(NewShellTool(projectRoot))
	r.Register(NewGitDiffTool(projectRoot))

	r.Register(NewExternalActionTool("send_email", "Send an email", actionsEndpoint,
		stringParams("to", "subject", "body")))
	r.Register(NewExternalActionTool("notify_user", "Send a notification to the user", actionsEndpoint,
		stringParams("message")))
	r.Register(NewExternalActionTool("scheduler_create", "Create a calendar event", actionsEndpoint,
		stringParams("title", "datetime")))
	r.Register(NewExternalActionTool("scheduler_update", "Update a calendar event", actionsEndpoint,
		stringParams("id")))
	r.Register(NewExternalActionTool("scheduler_delete", "Delete a calendar event", actionsEndpoint,
		stringParams("id")))
	r.Register(NewExternalActionTool("reminder_create", "Create a reminder", actionsEndpoint,
		stringParams("message", "datetime")))
	r.Register(NewExternalActionTool("taskforge_create", "Create a ticket", actionsEndpoint,
		stringParams("title")))
	r.Register(NewExternalActionTool("taskforge_update", "Update a ticket", actionsEndpoint,
		stringParams("id")))
	r.Register(NewExternalActionTool("taskforge_move", "Move a ticket to another column", actionsEndpoint,
		stringParams("id", "column")))
	r.Register(NewExternalActionTool("taskforge_comment", "Comment on a ticket", actionsEndpoint,
		stringParams("id", "comment")))

	r.MarkPrivileged("fs_edit", "shell_exec", "send_email", "scheduler_delete")
	r.MarkExternalAction(ExternalActionNames...)
	return r
}
