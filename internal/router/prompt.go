package router

import (
	"strings"
	"unicode/utf8"

	"github.com/kalambet/dejavu/internal/engine"
)

const systemPrompt = `You are a query classifier. Decide whether the user's message describes their own situation or asks for general information. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Labels:
- "experiential": the user shares personal circumstances, feelings, struggles or decisions (career, study, health, relationships, money), usually with first-person details such as age, place, school or employer.
- "factual": objective questions, definitions, how-to, creative or coding requests that anyone could ask without personal context.

Rules:
- When personal details are present and shape the question, choose "experiential".
- Greetings and small talk are "factual".`

// BuildPrompt constructs the chat messages for one classification.
func BuildPrompt(query string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: query},
	}
}

// greetings are answered without a provider call when they make up the whole
// (short) message.
var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "good morning": true, "good evening": true,
	"thanks": true, "thank you": true, "thx": true, "bye": true, "goodbye": true,
	"see you": true, "merry christmas": true, "happy new year": true, "happy birthday": true,
	"你好": true, "您好": true, "嗨": true, "哈喽": true, "早上好": true, "晚上好": true,
	"下午好": true, "谢谢": true, "感谢": true, "再见": true, "拜拜": true,
	"圣诞快乐": true, "新年快乐": true, "生日快乐": true,
}

const maxGreetingRunes = 20

// isGreeting expects normalized text.
func isGreeting(norm string) bool {
	if utf8.RuneCountInString(norm) >= maxGreetingRunes {
		return false
	}
	return greetings[strings.TrimRight(norm, " !.?,~！。？，")]
}
