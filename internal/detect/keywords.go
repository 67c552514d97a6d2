package detect

// confirmationURLHints are substrings of post-purchase URLs. A matching URL
// alone never confirms; it only corroborates a keyword hit.
var confirmationURLHints = []string{
	"confirm",
	"success",
	"thank",
	"receipt",
	"welcome",
	"activated",
	"order-complete",
	"ordercomplete",
	"order_complete",
	"purchase-complete",
	"payment-success",
	"subscribed",
	"checkout/complete",
}

// strongConfirmations are phrases that only appear once a purchase,
// subscription or trial has actually completed server-side.
var strongConfirmations = []string{
	"order confirmed",
	"order is confirmed",
	"your order has been placed",
	"order placed",
	"order complete",
	"order completed",
	"thank you for your order",
	"thank you for your purchase",
	"thanks for your order",
	"thanks for your purchase",
	"payment successful",
	"payment succeeded",
	"payment was successful",
	"payment confirmed",
	"payment received",
	"purchase complete",
	"purchase successful",
	"transaction complete",
	"transaction successful",
	"subscription confirmed",
	"subscription active",
	"subscription is now active",
	"you are now subscribed",
	"you're now subscribed",
	"successfully subscribed",
	"welcome to premium",
	"your trial has started",
	"your free trial has started",
	"trial is active",
	"trial activated",
	"your membership is active",
	"receipt for your order",
	"we've received your order",
	"your order is on its way",
	"booking confirmed",
}

// marketingPhrases precede a purchase rather than follow one. They only
// count as exclusion signals when found inside an interactive control's own
// text, so a confirmation page that repeats marketing copy in a footer is
// not rejected.
var marketingPhrases = []string{
	"start your free trial",
	"start free trial",
	"try it free",
	"try for free",
	"add to cart",
	"add to basket",
	"add to bag",
	"buy now",
	"choose a plan",
	"choose your plan",
	"select a plan",
	"see plans",
	"view plans",
	"subscribe now",
	"sign up now",
	"get started",
	"upgrade now",
	"proceed to checkout",
	"continue to payment",
}
