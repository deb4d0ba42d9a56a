package cache

// Key layout shared by the read services that populate the cache and the
// order core that invalidates it.

func ProductKey(id string) string { return "product:" + id }
func OrderKey(id string) string   { return "order:" + id }

// OrderListPattern matches every cached order-list page.
const OrderListPattern = "orders:list:*"
