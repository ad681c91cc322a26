// Package pagination follows server-provided continuation links across the
// pages of a collection and yields its items lazily, in server order.
//
// Collections on the platform link each page to the next through a "_links"
// object. Pages are fetched strictly one after another, only when the caller
// asks for more items than are buffered.
//
// Example usage:
//
//	p := pagination.New(session, client.NewRequest(http.MethodGet, "/compute/ops/orders/v2"),
//		pagination.Config{ItemsKey: "orders", Limit: 100})
//	for p.Next(ctx) {
//		var order planet.Order
//		if err := p.Decode(&order); err != nil {
//			return err
//		}
//		fmt.Println(order.ID)
//	}
//	if err := p.Err(); err != nil {
//		return err
//	}
//
// A run stops when a page has no continuation link, when Limit items have been
// yielded, or when a link repeats. A repeated link is reported as
// client.ErrPaginationLoop after the items of the page that carried it.
package pagination
