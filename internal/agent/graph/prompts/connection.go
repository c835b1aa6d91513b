package prompts

import "fmt"

const MissingUserForConnection = "Error: No user ID provided for connection initiation."

// ConnectionInstructions asks the user to authorize a toolkit.
func ConnectionInstructions(toolkit, url string) string {
	return fmt.Sprintf(
		"To enable %s integration, please visit the following URL to authorize access:\n\n%s\n\n"+
			"Once you've completed the authorization, you can use %s-related commands.",
		toolkit, url, toolkit,
	)
}

func ConnectionFailed(toolkit string) string {
	return fmt.Sprintf("Sorry, I encountered an error while trying to set up %s integration. Please try again later.", toolkit)
}

// ToolLimitNotice tells the model to stop calling tools.
func ToolLimitNotice(maxToolCalls int) string {
	return fmt.Sprintf(
		"SYSTEM NOTICE: You have reached the maximum tool call limit (%d). "+
			"Please synthesize a helpful response using the information you've already gathered. "+
			"Acknowledge any limitations in your response if you couldn't complete all necessary tool calls.",
		maxToolCalls,
	)
}

// ToolLimitResult answers a tool call that was not run because the request
// had already used all of its tool rounds.
const ToolLimitResult = `{"error":"tool_call_limit_reached","message":"Tool call limit reached; this call was not executed."}`
