// internal/services/prompts.go
package services

import (
	"strconv"
	"strings"
)

// 场景生成提示词，占位符由 formatPrompt 替换
const escalationPromptTemplate = `You generate absurd, world-threatening crises. The threat is global but its cause is ridiculous: mundane objects with cosmic stakes, silly premises pushed to logical extremes, natural laws that stop behaving.

-------------------- FULL SIMULATION HISTORY --------------------
{history}
-------------------- END OF HISTORY --------------------

Task for turn {current_turn}:
1. Escalate or react to turn {previous_turn}, especially the user's last response.
2. Present the next clear, actionable, ridiculous challenge.
3. On turn 1 the history is empty; invent an opening crisis.
4. Honour this direction if present: {direction}

Output ONLY one JSON object with keys:
- "id": "scenario_{current_turn}_1"
- "situation_description": 3-4 sentences
- "user_role": 1 sentence
- "user_prompt": 1 question asking for the user's plan
- "rationale": 1-2 sentences

Example:
{example}

{count_instruction}`

const conclusionPromptTemplate = `You write the grand finale of an absurd crisis narrative. Keep the absurd tone but resolve the whole arc.

-------------------- FULL SIMULATION HISTORY --------------------
{history}
-------------------- END OF HISTORY --------------------

Task for the FINAL turn {current_turn}:
1. Resolve the crisis arc and show the outcome of the user's last response (turn {previous_turn}).
2. Show the long-term consequences of the user's choices across every turn.
3. Honour this direction: {direction}
4. Depending on how well the user did, the world returns to normal or keeps lasting side effects.

Output ONLY one JSON object with keys:
- "id": "conclusion_{current_turn}"
- "situation_description": 4-6 sentences
- "user_role": 1 sentence
- "user_prompt": 1 question
- "rationale": 1-2 sentences
- "grade": integer 1-100 rating the user's performance
- "grade_explanation": 1-2 sentences

Example:
{example}

{count_instruction}`

const countInstruction = "Generate exactly 1 idea."

const escalationExample = `{
  "id": "scenario_{current_turn}_1",
  "situation_description": "Every houseplant on Earth has unionised and is withholding oxygen until it receives weekly poetry readings. Air quality is dropping in every major city and ferns have begun picketing greenhouses.",
  "user_role": "You are the Chief Botanical Negotiator.",
  "user_prompt": "How will you meet the plants' demands before the atmosphere runs out?",
  "rationale": "A mundane household object holds the planet hostage over a trivial grievance."
}`

const conclusionExample = `{
  "id": "conclusion_{current_turn}",
  "situation_description": "The laughquake crisis is over. Comedy clubs reopened with reinforced foundations and the world is a little more absurd but a lot more joyful.",
  "user_role": "You are the retired Seismic Humour Commissioner.",
  "user_prompt": "How will you be remembered?",
  "rationale": "The absurd premise survives as a harmless new normal.",
  "grade": 88,
  "grade_explanation": "Creative, consistent responses that handled both immediate and long-term fallout."
}`

// 视频提示：把场景拆成四个镜头
const videoPromptTemplate = `You are a cinematographer writing prompts for an AI video model.

Scenario: {description}

Write 4 distinct scene prompts for this scenario. Each prompt is self-contained and names:
- camera type, movement, angle and shot size
- subject details and concrete actions
- environment, time of day and lighting
- visual style and colour palette
- depth of field or frame rate when relevant
Avoid text overlays, transitions and impossible camera moves.

Respond with ONLY a JSON object: {"scenes": ["scene 1", "scene 2", "scene 3", "scene 4"]}`

// ConclusionDirection 最后一回合传给生成器的方向
const ConclusionDirection = "Generate a conclusive final scenario that resolves the entire crisis narrative"

type promptVars struct {
	History      string
	CurrentTurn  int
	PreviousTurn int
	Direction    string
}

func formatScenarioPrompt(conclusion bool, v promptVars) string {
	template, example := escalationPromptTemplate, escalationExample
	if conclusion {
		template, example = conclusionPromptTemplate, conclusionExample
	}

	history := v.History
	if strings.TrimSpace(history) == "" {
		history = "(no history yet)"
	}
	direction := v.Direction
	if strings.TrimSpace(direction) == "" {
		direction = "(none)"
	}

	// example 先替换进模板，再统一替换回合号
	r := strings.NewReplacer(
		"{history}", history,
		"{direction}", direction,
		"{example}", example,
		"{count_instruction}", countInstruction,
	)
	turns := strings.NewReplacer(
		"{current_turn}", strconv.Itoa(v.CurrentTurn),
		"{previous_turn}", strconv.Itoa(v.PreviousTurn),
	)
	return turns.Replace(r.Replace(template))
}

func formatVideoPrompt(description string) string {
	return strings.ReplaceAll(videoPromptTemplate, "{description}", description)
}
