package auth

const (
	PermViewPatients         = "view_patients"
	PermEditPatients         = "edit_patients"
	PermViewMedicalRecords   = "view_medical_records"
	PermCreateMedicalRecords = "create_medical_records"
	PermManageAppointments   = "manage_appointments"
	PermViewBilling          = "view_billing"
	PermManageUsers          = "manage_users"
	PermManageRoles          = "manage_roles"
	PermViewRoles            = "view_roles"
)

const (
	RoleAdmin        = "admin"
	RoleDoctor       = "doctor"
	RoleNurse        = "nurse"
	RoleReceptionist = "receptionist"
)

var BuiltinPermissions = []Permission{
	{Name: PermViewPatients, Category: "patients", Description: "Read patient demographics"},
	{Name: PermEditPatients, Category: "patients", Description: "Create and update patients"},
	{Name: PermViewMedicalRecords, Category: "records", Description: "Read medical records"},
	{Name: PermCreateMedicalRecords, Category: "records", Description: "Write medical records"},
	{Name: PermManageAppointments, Category: "scheduling", Description: "Book and cancel appointments"},
	{Name: PermViewBilling, Category: "billing", Description: "Read invoices"},
	{Name: PermManageUsers, Category: "admin", Description: "Create and deactivate identities"},
	{Name: PermManageRoles, Category: "admin", Description: "Edit roles and their permissions"},
	{Name: PermViewRoles, Category: "admin", Description: "List roles and permissions"},
}

// BuiltinRoles maps each seeded role to its permissions, in assignment order.
var BuiltinRoles = []struct {
	Name        string
	Description string
	Permissions []string
}{
	{
		Name:        RoleAdmin,
		Description: "Clinic administrator",
		Permissions: []string{PermManageUsers, PermManageRoles, PermViewRoles, PermViewPatients, PermViewBilling},
	},
	{
		Name:        RoleDoctor,
		Description: "Attending physician",
		Permissions: []string{PermViewPatients, PermViewMedicalRecords, PermCreateMedicalRecords},
	},
	{
		Name:        RoleNurse,
		Description: "Nursing staff",
		Permissions: []string{PermViewPatients, PermViewMedicalRecords},
	},
	{
		Name:        RoleReceptionist,
		Description: "Front desk",
		Permissions: []string{PermViewPatients, PermEditPatients, PermManageAppointments},
	},
}
