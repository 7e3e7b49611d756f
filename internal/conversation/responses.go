package conversation

import (
	"fmt"

	"github.com/mpedrazzi/intentchat/internal/intent"
)

// degradedResponses are the canned per-category replies committed when
// generation fails. Classification output is never lost to a generation
// failure; these keep the turn pair complete.
var degradedResponses = map[intent.Category]string{
	intent.GeneralChat:        "I'd be happy to chat! Could you tell me more about what's on your mind?",
	intent.QuestionAnswering:  "I'd like to help answer your question, but I'm having trouble processing it right now. Could you rephrase it?",
	intent.TaskRequest:        "I understand you're looking for assistance with a task. Let me know more details about what you need help with.",
	intent.InformationSeeking: "I'd be glad to help you find information. What specific topic are you interested in?",
	intent.Clarification:      "I want to make sure I give you a clear explanation. Could you help me understand what specifically needs clarification?",
	intent.Greeting:           "Hello! It's great to meet you. How can I help you today?",
	intent.Goodbye:            "Thank you for our conversation! Feel free to reach out anytime you need assistance.",
}

const defaultDegradedResponse = "I'm here to help! Could you tell me more about what you're looking for?"

func degradedResponse(category intent.Category) string {
	if r, ok := degradedResponses[category]; ok {
		return r
	}
	return defaultDegradedResponse
}

var generationGuidance = map[intent.Category]string{
	intent.GeneralChat:        "Engage in natural conversation. Be friendly and show interest in what the user is sharing.",
	intent.QuestionAnswering:  "Provide clear, accurate answers. If you're unsure, say so and suggest alternatives.",
	intent.TaskRequest:        "Acknowledge the task request. Explain what you understand and discuss next steps.",
	intent.InformationSeeking: "Provide helpful information on the requested topic. Be thorough but concise.",
	intent.Clarification:      "Provide clear explanations and examples. Reference the conversation context appropriately.",
	intent.Greeting:           "Respond warmly to greetings. Set a positive tone for the conversation.",
	intent.Goodbye:            "Acknowledge farewells appropriately. Offer to help again in the future.",
}

// generationPrompt builds the system prompt tailored to the classified
// intent for the generation oracle call.
func generationPrompt(result intent.Result) string {
	base := `You are a helpful AI assistant engaged in a natural conversation. You maintain context from previous messages and provide thoughtful, relevant responses.

CONVERSATION GUIDELINES:
- Be conversational and engaging
- Reference previous context when relevant
- Ask clarifying questions when needed
- Provide helpful and accurate information
- Maintain a friendly, professional tone
- Stay focused on the user's intent`

	guidance, ok := generationGuidance[result.Category]
	if !ok {
		guidance = "Respond appropriately to the user's message with consideration for their intent."
	}

	note := ""
	if result.ContextDependent {
		note += "\n\nIMPORTANT: This message depends on previous conversation context. Review the conversation history carefully."
	}
	if result.FollowUpNeeded {
		note += "\n\nNOTE: The user's intent may need clarification. Consider asking follow-up questions."
	}

	return fmt.Sprintf("%s\n\nSPECIFIC GUIDANCE: %s%s\n\nINTENT DETECTED: %s (confidence: %.2f)\nREASONING: %s",
		base, guidance, note, result.Category, result.Confidence, result.Reasoning)
}
