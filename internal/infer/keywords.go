package infer

var trialKeywords = []string{
	"free trial",
	"trial period",
	"trial has started",
	"trial is active",
	"trial activated",
	"day trial",
	"days free",
	"trial ends",
}

var subscriptionKeywords = []string{
	"/month",
	"/mo",
	"/year",
	"/yr",
	"/week",
	"per month",
	"per year",
	"per week",
	"subscription",
	"recurring",
	"billed monthly",
	"billed annually",
	"billed yearly",
	"billed weekly",
	"renews",
	"auto-renew",
	"membership",
}

var yearlyKeywords = []string{
	"/year",
	"/yr",
	"per year",
	"annually",
	"annual",
	"yearly",
	"billed once a year",
}

var weeklyKeywords = []string{
	"/week",
	"/wk",
	"per week",
	"weekly",
}

var monthlyKeywords = []string{
	"/month",
	"/mo",
	"per month",
	"monthly",
}

// categoryTable maps store-name/hostname keywords to spending categories.
// First match wins; the table is ordered from most to least specific.
var categoryTable = []struct {
	Category string
	Keywords []string
}{
	{"Entertainment", []string{"netflix", "spotify", "hulu", "disney", "hbo", "prime video", "youtube", "twitch", "crunchyroll", "audible", "cinema", "movie", "music"}},
	{"Creative", []string{"adobe", "figma", "canva", "sketch", "photoshop", "dribbble", "behance", "envato", "shutterstock"}},
	{"Productivity", []string{"notion", "todoist", "evernote", "slack", "zoom", "asana", "trello", "monday", "clickup", "calendly", "grammarly"}},
	{"Development", []string{"github", "gitlab", "vercel", "netlify", "heroku", "digitalocean", "aws", "azure", "jetbrains", "copilot", "openai", "anthropic"}},
	{"Business", []string{"shopify", "stripe", "mailchimp", "hubspot", "salesforce", "quickbooks", "zendesk", "intercom"}},
	{"Storage", []string{"dropbox", "icloud", "google one", "onedrive", "backblaze", "mega"}},
	{"Education", []string{"udemy", "coursera", "skillshare", "masterclass", "duolingo", "brilliant", "pluralsight", "edx"}},
	{"Shopping", []string{"amazon", "ebay", "etsy", "walmart", "target", "aliexpress", "daraz", "shop", "store"}},
	{"Food", []string{"doordash", "ubereats", "uber eats", "grubhub", "deliveroo", "foodpanda", "instacart", "hellofresh", "pizza", "food"}},
}

const defaultCategory = "Other"
