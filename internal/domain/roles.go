package domain

type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
	RoleAdmin   Role = "admin"
)

type Permission string

const (
	PermPurchase       Permission = "payments:purchase"
	PermViewAnyPayment Permission = "payments:view_any"
	PermVoidPayment    Permission = "payments:void"
)

var rolePerms = map[Role]map[Permission]bool{
	RoleStudent: {
		PermPurchase: true,
	},
	RoleTutor: {},
	RoleAdmin: {
		PermViewAnyPayment: true,
		PermVoidPayment:    true,
	},
}

// Can reports whether a role holds a permission. Roles form a closed set;
// unknown roles hold nothing.
func Can(role Role, p Permission) bool {
	return rolePerms[role][p]
}
