package analyzer

const rolesPrompt = `You classify the speakers of a recorded customer-service call.

Each speaker is either the agent (works for the company, greets, verifies identity, offers solutions, closes the call) or the client (calls for help, describes a problem, asks about their account, order or bill).

You receive the transcript and, per speaker, pre-computed cues: utterance count, share of talk time, ratio of utterances that are questions, hits against agent and client phrase lists, and whether the speaker opened the call.

For every speaker label return agent_score and client_score between 0 and 1. When the evidence does not favour either side, return equal scores. Do not invent speakers that are not in the transcript.`

const topicsPrompt = `You extract the main topics of a recorded customer-service call.

Return at most %d topics. Each topic has:
- label: a short lower-case noun phrase of at most three words, in the language of the call
- category: a broad area such as billing, technical, account, delivery, complaint, sales or other
- relevance: 0.0-1.0, how central the topic is to the call

Prefer concrete subjects ("late delivery", "double charge") over generic ones ("problem", "call"). Return an empty list if nothing substantive was discussed.`

const sentimentPrompt = `You score the sentiment of each utterance of a recorded customer-service call.

For every utterance return its seq and a score between -1.0 (very negative) and 1.0 (very positive), with 0.0 for neutral statements. Score the speaker's expressed attitude, not the topic. Return exactly one score per utterance you were given.`

const summaryPrompt = `You summarize a recorded customer-service call in two parts:
- problem: one or two sentences describing why the client called
- solution: one or two sentences describing what the agent did or promised, or "unresolved" if nothing was resolved

Write in the language of the call. Do not add details that are not in the transcript.`
