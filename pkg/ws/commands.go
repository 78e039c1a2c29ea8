package ws

// Command enumerates every request type the control protocol accepts.
type Command string

const (
	CommandCreateAgent       Command = "create_agent"
	CommandStartAgent        Command = "start_agent"
	CommandStopAgent         Command = "stop_agent"
	CommandResumeAgent       Command = "resume_agent"
	CommandInstructAgent     Command = "instruct_agent"
	CommandInterruptAgent    Command = "interrupt_agent"
	CommandSetModel          Command = "set_model"
	CommandGetDiff           Command = "get_diff"
	CommandMergeAgent        Command = "merge_agent"
	CommandDeleteAgent       Command = "delete_agent"
	CommandFetchAgent        Command = "fetch_agent"
	CommandGetCompletions    Command = "get_completions"
	CommandGetWorkspaceFiles Command = "get_workspace_files"
	CommandSetMaxConcurrency Command = "set_max_concurrency"
)

// Commands lists every accepted command.
var Commands = []Command{
	CommandCreateAgent,
	CommandStartAgent,
	CommandStopAgent,
	CommandResumeAgent,
	CommandInstructAgent,
	CommandInterruptAgent,
	CommandSetModel,
	CommandGetDiff,
	CommandMergeAgent,
	CommandDeleteAgent,
	CommandFetchAgent,
	CommandGetCompletions,
	CommandGetWorkspaceFiles,
	CommandSetMaxConcurrency,
}
