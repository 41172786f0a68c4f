// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package prompts

// Keys for the core prompts. Org prompt directories may override any of
// these by dropping a <key>.yaml file in the registry directory.
const (
	KeyProfileExtract      = "profile.extract"
	KeyProfileMerge        = "profile.merge"
	KeyFeedbackExtract     = "feedback.extract"
	KeyFeedbackMerge       = "feedback.merge"
	KeyFeedbackConsolidate = "feedback.consolidate"
	KeyEvaluationSuccess   = "evaluation.success"
	KeyEvaluationShadow    = "evaluation.shadow"
)

// defaultPrompts are the built-in templates. They are intentionally terse;
// per-org instruction blocks are injected through the {{.instructions}}
// variable rather than by editing these.
var defaultPrompts = map[string]string{
	KeyProfileExtract: `You maintain a structured profile of a user based on their conversations with an agent.

Existing profile entries (id: content):
{{.existing_profiles}}

Conversation window:
{{.conversation}}

{{.instructions}}

Decide which durable facts about the user should be added, which existing entries are contradicted and must be deleted (reference them by profile_id), and which existing entries were relevant to this conversation (mention them by profile_id). Only record facts about the user, never about the agent. For each added fact pick a ttl_kind from: ONE_DAY, ONE_WEEK, ONE_MONTH, ONE_QUARTER, ONE_YEAR, INFINITY.`,

	KeyProfileMerge: `Two extractors produced candidate profile entries from the same conversation.

Candidate A: {{.candidate_a}}
Candidate B: {{.candidate_b}}

Answer whether they state the same fact about the user. Paraphrases, subsets and differing detail levels of the same fact count as a match; different facts do not.`,

	KeyFeedbackExtract: `You extract developer-facing feedback about agent behavior from a conversation.

Feedback focus: {{.feedback_name}}
{{.instructions}}

Conversation window:
{{.conversation}}

Report concrete guidance: what the agent should do (do_action), what it should stop doing (do_not_action), and the condition under which the guidance applies (when_condition). If the agent was blocked by a missing capability, set blocking_issue with one of: MISSING_TOOL, PERMISSION_DENIED, EXTERNAL_DEPENDENCY, POLICY_RESTRICTION. If the window contains no actionable signal, return has_feedback = false.`,

	KeyFeedbackMerge: `Two extractors produced feedback items under the same feedback name.

Item A: {{.candidate_a}}
Item B: {{.candidate_b}}

Answer whether they describe the same behavioral guidance. Matching means the do/don't/when triples would lead a developer to the same change.`,

	KeyFeedbackConsolidate: `The following raw feedback items were clustered together because they describe similar agent behavior:

{{.cluster_items}}

Consolidate them into a single feedback entry a developer can act on. Keep the most specific when_condition that covers all items. If any item carries a blocking issue, keep the most severe one.`,

	KeyEvaluationSuccess: `You judge whether an agent request succeeded.

Success definition: {{.success_definition}}
Available tools: {{.tool_set}}
Action space: {{.action_space}}

Conversation:
{{.conversation}}

Decide is_success. On failure, classify failure_type, explain failure_reason, and, when a prompt change would have prevented the failure, propose agent_prompt_update.`,

	KeyEvaluationShadow: `You judge an agent request that was answered twice: Request A and Request B are identical conversations with different final agent replies.

Success definition: {{.success_definition}}
Available tools: {{.tool_set}}
Action space: {{.action_space}}

Request A:
{{.conversation_a}}

Request B:
{{.conversation_b}}

Judge is_success_a for Request A and is_success_b for Request B. For each failing request, classify its failure_type_a/failure_type_b and explain its failure_reason_a/failure_reason_b. When a prompt change would have prevented a failure, propose agent_prompt_update. Compare the two replies as comparison, one of: A_IS_BETTER, A_IS_SLIGHTLY_BETTER, B_IS_BETTER, B_IS_SLIGHTLY_BETTER, TIED.`,
}
